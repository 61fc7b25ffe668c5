// Package statistics keeps in-memory counters for routing decisions, beacon
// pings and injection outcomes, periodically dumped to plain text files.
package statistics

import (
	"path/filepath"
	"sync"
	"time"
)

type Recorder struct {
	Routes *RouteRecordList
	Pings  *PingRecordList
	Tasks  *TaskRecordList

	done     chan struct{}
	stopOnce sync.Once
}

// NewRecorder dumps into dir; an empty dir keeps everything in memory.
func NewRecorder(dir string) *Recorder {
	path := func(name string) string {
		if dir == "" {
			return ""
		}
		return filepath.Join(dir, name)
	}
	return &Recorder{
		Routes: NewRouteRecordList(path("route_stats")),
		Pings:  NewPingRecordList(path("ping_stats")),
		Tasks:  NewTaskRecordList(path("task_stats")),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Start() {
	r.Routes.Run(r.done)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Pings.Dump()
				r.Tasks.Dump()
			case <-r.done:
				r.Pings.Dump()
				r.Tasks.Dump()
				return
			}
		}
	}()
}

func (r *Recorder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	return nil
}
