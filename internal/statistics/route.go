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

type Branch string

const (
	BranchPrefix      Branch = "prefix"
	BranchScoped      Branch = "scoped"
	BranchPassThrough Branch = "pass-through"
)

type RouteRecordList struct {
	recordAddChan chan *RouteRecord
	records       map[string]*RouteRecord
	mu            sync.RWMutex
	dumpFile      string
}

type RouteRecord struct {
	Branch   Branch    `json:"branch"`
	Host     string    `json:"host"`
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

func NewRouteRecordList(dumpFile string) *RouteRecordList {
	return &RouteRecordList{
		recordAddChan: make(chan *RouteRecord, 500),
		records:       make(map[string]*RouteRecord, 100),
		dumpFile:      dumpFile,
	}
}

func (l *RouteRecordList) Run(done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case record := <-l.recordAddChan:
				l.Add(record)
			case <-ticker.C:
				l.Dump()
			case <-done:
				l.Dump()
				return
			}
		}
	}()
}

// Record queues a routing decision without blocking the request.
func (l *RouteRecordList) Record(branch Branch, host string) {
	select {
	case l.recordAddChan <- &RouteRecord{Branch: branch, Host: host, LastSeen: time.Now()}:
	default:
	}
}

func (l *RouteRecordList) Add(record *RouteRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(record.Branch) + " " + record.Host
	seen := record.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	if r, exists := l.records[key]; exists {
		r.Count++
		r.LastSeen = seen
	} else {
		l.records[key] = &RouteRecord{
			Branch:   record.Branch,
			Host:     record.Host,
			Count:    1,
			LastSeen: seen,
		}
	}
}

// Snapshot returns copies sorted by count, highest first.
func (l *RouteRecordList) Snapshot() []RouteRecord {
	l.mu.RLock()
	records := make([]RouteRecord, 0, len(l.records))
	for _, r := range l.records {
		records = append(records, *r)
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Count != records[j].Count {
			return records[i].Count > records[j].Count
		}
		return records[i].Host < records[j].Host
	})
	return records
}

func (l *RouteRecordList) Dump() {
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
		_, err := fmt.Fprintf(w, "%s %s %d %d\n",
			record.Branch, record.Host, record.Count, record.LastSeen.Unix())
		if err != nil {
			slog.Error("Dump fmt.Fprintf", slog.Any("error", err))
		}
	}
}
