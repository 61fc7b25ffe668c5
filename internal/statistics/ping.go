package statistics

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// PingRecordList counts beacon pings per tag.
type PingRecordList struct {
	records  map[string]*PingRecord
	mu       sync.RWMutex
	dumpFile string
}

type PingRecord struct {
	Tag      string    `json:"tag"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

func NewPingRecordList(dumpFile string) *PingRecordList {
	return &PingRecordList{
		records:  make(map[string]*PingRecord, 16),
		dumpFile: dumpFile,
	}
}

func (l *PingRecordList) Add(tag string) {
	if tag == "" {
		tag = "-"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if r, exists := l.records[tag]; exists {
		r.Count++
		r.LastSeen = time.Now()
	} else {
		l.records[tag] = &PingRecord{Tag: tag, Count: 1, LastSeen: time.Now()}
	}
}

func (l *PingRecordList) Count(tag string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.records[tag]; ok {
		return r.Count
	}
	return 0
}

func (l *PingRecordList) Snapshot() []PingRecord {
	l.mu.RLock()
	records := make([]PingRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Tag < records[j].Tag
	})
	return records
}

func (l *PingRecordList) Dump() {
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

	w := bufio.NewWriter(f)
	defer func() {
		if err := w.Flush(); err != nil {
			slog.Error("bufio.Writer.Flush", slog.Any("error", err))
		}
	}()
	for _, record := range l.Snapshot() {
		if _, err := fmt.Fprintf(w, "%s %d\n", record.Tag, record.Count); err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
