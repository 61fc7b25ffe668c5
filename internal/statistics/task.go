package statistics

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// TaskRecordList keeps the latest outcome of each injection task.
type TaskRecordList struct {
	records  map[string]*TaskRecord
	mu       sync.RWMutex
	dumpFile string
}

type TaskRecord struct {
	Task    string    `json:"task"`
	Session string    `json:"session"`
	Outcome string    `json:"outcome"`
	Runs    int       `json:"runs"`
	At      time.Time `json:"at"`
}

func NewTaskRecordList(dumpFile string) *TaskRecordList {
	return &TaskRecordList{
		records:  make(map[string]*TaskRecord, 16),
		dumpFile: dumpFile,
	}
}

func (l *TaskRecordList) Add(record *TaskRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	at := record.At
	if at.IsZero() {
		at = time.Now()
	}
	key := fmt.Sprintf("%s-%s", record.Session, record.Task)
	if r, exists := l.records[key]; exists {
		r.Outcome = record.Outcome
		r.Runs++
		r.At = at
	} else {
		l.records[key] = &TaskRecord{
			Task:    record.Task,
			Session: record.Session,
			Outcome: record.Outcome,
			Runs:    1,
			At:      at,
		}
	}
}

// Snapshot returns copies, newest first.
func (l *TaskRecordList) Snapshot() []TaskRecord {
	l.mu.RLock()
	records := make([]TaskRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].At.After(records[j].At)
	})
	return records
}

func (l *TaskRecordList) Dump() {
	if l.dumpFile == "" {
		return
	}
	f, err := os.Create(l.dumpFile)
	if err != nil {
		slog.Error("os.Create", slog.Any("error", err))
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Error("os.File.Close", slog.Any("error", err))
		}
	}()

	for _, record := range l.Snapshot() {
		line := fmt.Sprintf("%s %s %s %d %d\n",
			record.Session, record.Task, record.Outcome, record.Runs, record.At.Unix())
		if _, err := f.WriteString(line); err != nil {
			slog.Error("os.File.WriteString", slog.Any("error", err))
			return
		}
	}
}
