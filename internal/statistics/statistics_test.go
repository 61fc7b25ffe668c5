package statistics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteRecordListCountsPerBranchAndHost(t *testing.T) {
	l := NewRouteRecordList("")
	l.Add(&RouteRecord{Branch: BranchPrefix, Host: "gw.local"})
	l.Add(&RouteRecord{Branch: BranchPrefix, Host: "gw.local"})
	l.Add(&RouteRecord{Branch: BranchPassThrough, Host: "gw.local"})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, BranchPrefix, snap[0].Branch)
	assert.Equal(t, 2, snap[0].Count)
	assert.Equal(t, 1, snap[1].Count)
	assert.False(t, snap[0].LastSeen.IsZero())
}

func TestRouteRecordListRunDrainsQueue(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "route_stats")
	l := NewRouteRecordList(dump)
	done := make(chan struct{})
	l.Run(done)

	l.Record(BranchScoped, "a.example")
	require.Eventually(t, func() bool { return len(l.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	close(done)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(dump)
		return err == nil && strings.HasPrefix(string(data), "scoped a.example 1 ")
	}, time.Second, 5*time.Millisecond)
}

func TestPingRecordList(t *testing.T) {
	dump := filepath.Join(t.TempDir(), "ping_stats")
	l := NewPingRecordList(dump)
	l.Add("native")
	l.Add("native")
	l.Add("")

	assert.Equal(t, 2, l.Count("native"))
	assert.Equal(t, 1, l.Count("-"))
	assert.Equal(t, 0, l.Count("popunder"))

	l.Dump()
	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	assert.Equal(t, "- 1\nnative 2\n", string(data))
}

func TestTaskRecordListKeepsLatest(t *testing.T) {
	l := NewTaskRecordList("")
	t0 := time.Unix(100, 0)
	l.Add(&TaskRecord{Task: "native", Session: "s1", Outcome: "aborted", At: t0})
	l.Add(&TaskRecord{Task: "native", Session: "s1", Outcome: "delivered", At: t0.Add(time.Second)})
	l.Add(&TaskRecord{Task: "popunder", Session: "s1", Outcome: "failed", At: t0.Add(-time.Second)})

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "native", snap[0].Task)
	assert.Equal(t, "delivered", snap[0].Outcome)
	assert.Equal(t, 2, snap[0].Runs)
}

func TestRecorderInMemory(t *testing.T) {
	r := NewRecorder("")
	r.Start()
	r.Pings.Add("x")
	r.Pings.Dump()
	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())
}
