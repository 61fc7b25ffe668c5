package consent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

const (
	keyStatus    = "ad-consent"
	keyDecidedAt = "ad-consent-at"
)

// FileBackend stores the record as two keys in a YAML document. Other keys
// in the same file are preserved.
type FileBackend struct {
	path string

	mu        sync.Mutex
	lastWrite []byte
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) readDoc() (map[string]any, []byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, data, fmt.Errorf("parse %s: %w", f.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, data, nil
}

func (f *FileBackend) Load(context.Context) (Record, error) {
	doc, _, err := f.readDoc()
	if err != nil {
		return Record{}, err
	}
	raw, ok := doc[keyStatus]
	if !ok {
		return Record{}, nil
	}
	s, ok := raw.(string)
	if !ok {
		return Record{}, fmt.Errorf("%s: %q is not a string", f.path, keyStatus)
	}
	status, err := ParseStatus(s)
	if err != nil {
		return Record{}, err
	}
	var ms int64
	switch v := doc[keyDecidedAt].(type) {
	case int:
		ms = int64(v)
	case int64:
		ms = v
	case uint64:
		ms = int64(v)
	}
	return Record{Status: status, DecidedAt: millisToTime(ms)}, nil
}

func (f *FileBackend) Save(_ context.Context, r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, _, err := f.readDoc()
	if err != nil {
		// a corrupt file is replaced rather than blocking every decision
		doc = map[string]any{}
	}
	doc[keyStatus] = string(r.Status)
	doc[keyDecidedAt] = timeToMillis(r.DecidedAt)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	f.lastWrite = data
	return nil
}

// Watch observes the containing directory, since saves replace the file by
// rename. Events caused by this backend's own writes are skipped.
func (f *FileBackend) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if f.ownWrite() {
				continue
			}
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}

func (f *FileBackend) ownWrite() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWrite != nil && bytes.Equal(data, f.lastWrite)
}

func (f *FileBackend) Close() error { return nil }
