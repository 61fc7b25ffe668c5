package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/spf13/viper"
)

// Manifest describes one scoped engine build. Config points at a scope file
// relative to the manifest; when empty the inline Scope is used.
type Manifest struct {
	Entry   string      `yaml:"entry" json:"entry"`
	Version string      `yaml:"version" json:"version"`
	Config  string      `yaml:"config" json:"config,omitempty"`
	Scope   ScopeConfig `yaml:"scope" json:"scope"`
}

func (m Manifest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("entry", m.Entry),
		slog.String("version", m.Version),
		slog.String("config", m.Config),
	)
}

// LoadManifest reads one or more manifest files, merging later files over
// earlier ones, and checks that the merged result exposes entry.
func LoadManifest(entry string, paths ...string) (Manifest, error) {
	if len(paths) == 0 {
		return Manifest{}, errors.New("no manifest files")
	}
	v := viper.New()
	for i, p := range paths {
		v.SetConfigFile(p)
		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("read manifest %s: %w", p, err)
		}
	}
	var m Manifest
	if err := v.Unmarshal(&m, yamlTags); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Entry != entry {
		return Manifest{}, fmt.Errorf("%w: want %q, manifest exposes %q", ErrEntryMissing, entry, m.Entry)
	}
	if m.Config != "" && !filepath.IsAbs(m.Config) {
		m.Config = filepath.Join(filepath.Dir(paths[len(paths)-1]), m.Config)
	}
	return m, nil
}

// BundleProvider loads the combined manifest.
func BundleProvider(manifest, entry string, transport http.RoundTripper, logger *slog.Logger) Provider {
	return Provider{
		Name: "bundle",
		Load: func(ctx context.Context) (Engine, error) {
			if manifest == "" {
				return nil, errors.New("no bundle manifest configured")
			}
			m, err := LoadManifest(entry, manifest)
			if err != nil {
				return nil, err
			}
			return NewScopedEngine(m, transport, logger), nil
		},
	}
}

// LegacyProvider loads the split manifest pieces in order.
func LegacyProvider(pieces []string, entry string, transport http.RoundTripper, logger *slog.Logger) Provider {
	return Provider{
		Name: "legacy",
		Load: func(ctx context.Context) (Engine, error) {
			m, err := LoadManifest(entry, pieces...)
			if err != nil {
				return nil, err
			}
			return NewScopedEngine(m, transport, logger), nil
		},
	}
}
