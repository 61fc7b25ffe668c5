package inject

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbk201/tunnelgate/internal/beacon"
	"github.com/sunbk201/tunnelgate/internal/config"
	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/session"
	"github.com/sunbk201/tunnelgate/internal/statistics"
)

type fakeBeacon struct {
	ok    bool
	calls atomic.Int64
	mount beacon.Mount
	// onSend runs while the beacon is in flight.
	onSend func()
}

func (b *fakeBeacon) SendOnce(_ context.Context, _ string, mount beacon.Mount) bool {
	b.calls.Add(1)
	b.mount = mount
	if b.onSend != nil {
		b.onSend()
	}
	return b.ok
}

type switchToggles struct{ on atomic.Bool }

func (s *switchToggles) Enabled(string) bool { return s.on.Load() }

type fakeTunnel struct {
	mu      sync.Mutex
	fetches int
	// failFirst makes the first n fetches fail.
	failFirst int
	body      string
	block     chan struct{}
}

func (f *fakeTunnel) Fetch(context.Context, string) (string, bool) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetches <= f.failFirst {
		return "", false
	}
	return f.body, true
}

func (f *fakeTunnel) Address(_ context.Context, target string) (string, bool) {
	return "http://gw.local/~/scramjet/" + target, true
}

func (f *fakeTunnel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakePage struct {
	mu          sync.Mutex
	evaluated   []string
	inlined     []string
	appended    []string
	evalErr     error
	listeners   atomic.Int64
	pointerDown chan struct{}
}

func (p *fakePage) Evaluate(_ context.Context, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluated = append(p.evaluated, body)
	return p.evalErr
}

func (p *fakePage) InlineScript(_ context.Context, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inlined = append(p.inlined, body)
	return nil
}

func (p *fakePage) AppendScript(_ context.Context, src string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appended = append(p.appended, src)
	return nil
}

func (p *fakePage) WaitPointerDown(ctx context.Context) error {
	p.listeners.Add(1)
	defer p.listeners.Add(-1)
	select {
	case <-p.pointerDown:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeMount struct{}

func (fakeMount) AttachProbe(context.Context, string) error { return nil }

func (p *fakePage) Mount(selector string) beacon.Mount {
	if selector == "" {
		return nil
	}
	return fakeMount{}
}

type fixture struct {
	store    *consent.Store
	session  *session.Storage
	beacon   *fakeBeacon
	tunnel   *fakeTunnel
	page     *fakePage
	stats    *statistics.TaskRecordList
	pipeline *Pipeline
}

func newFixture(t *testing.T, granted bool, toggles Toggles) *fixture {
	t.Helper()
	f := &fixture{
		store:   consent.NewStore(consent.NewMemoryBackend()),
		session: session.NewWithID("s1", 16, 0),
		beacon:  &fakeBeacon{ok: true},
		tunnel:  &fakeTunnel{body: "window.x=1"},
		page:    &fakePage{pointerDown: make(chan struct{}, 1)},
		stats:   statistics.NewTaskRecordList(""),
	}
	if granted {
		_, err := f.store.Set(context.Background(), consent.StatusGranted)
		require.NoError(t, err)
	}
	if toggles == nil {
		toggles = StaticToggles{"native-banner": true, "popunder": true}
	}
	f.pipeline = New(Options{
		Consent: f.store,
		Toggles: toggles,
		Session: f.session,
		Beacon:  f.beacon,
		Tunnel:  f.tunnel,
		Page:    f.page,
		Stats:   f.stats,
	})
	return f
}

var nativeTask = Task{
	Name:      "native",
	TargetURL: "https://ads.example/native.js",
	BeaconURL: "/api/ads/ping?tag=native",
	Feature:   "native-banner",
}

func TestRunPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		granted bool
		toggles Toggles
		want    Outcome
	}{
		{"no consent", false, nil, OutcomeNoConsent},
		{"feature off", true, StaticToggles{"native-banner": false}, OutcomeDisabled},
		{"all clear", true, nil, OutcomeDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.granted, tt.toggles)
			assert.Equal(t, tt.want, f.pipeline.Run(context.Background(), nativeTask))
			if tt.want != OutcomeDelivered {
				assert.Zero(t, f.beacon.calls.Load())
				assert.Zero(t, f.tunnel.count())
			}
		})
	}
}

func TestRunDeniedConsentAborts(t *testing.T) {
	f := newFixture(t, false, nil)
	_, err := f.store.Set(context.Background(), consent.StatusDenied)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoConsent, f.pipeline.Run(context.Background(), nativeTask))
}

func TestRunDedupeMakesLaterRunsNoOps(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	assert.Equal(t, OutcomeDelivered, f.pipeline.Run(ctx, nativeTask))
	assert.True(t, f.session.Done("ads:native:loaded"))

	assert.Equal(t, OutcomeAlreadyDone, f.pipeline.Run(ctx, nativeTask))
	assert.Equal(t, 1, f.tunnel.count())
	assert.EqualValues(t, 1, f.beacon.calls.Load())
	assert.Equal(t, []string{"window.x=1"}, f.page.evaluated)

	snap := f.stats.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "already-done", snap[0].Outcome)
	assert.Equal(t, 2, snap[0].Runs)
}

func TestRunBeaconGatesDelivery(t *testing.T) {
	f := newFixture(t, true, nil)
	f.beacon.ok = false

	assert.Equal(t, OutcomeBeaconFailed, f.pipeline.Run(context.Background(), nativeTask))
	assert.Zero(t, f.tunnel.count())
	assert.False(t, f.session.Done(nativeTask.Key()))
}

func TestRunBeaconUsesMount(t *testing.T) {
	f := newFixture(t, true, nil)
	task := nativeTask
	task.Mount = "#ad-slot"
	f.pipeline.Run(context.Background(), task)
	assert.NotNil(t, f.beacon.mount)

	f2 := newFixture(t, true, nil)
	f2.pipeline.Run(context.Background(), nativeTask)
	assert.Nil(t, f2.beacon.mount)
}

func TestRunFetchFailureIsSilent(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.failFirst = 1

	assert.Equal(t, OutcomeFailed, f.pipeline.Run(context.Background(), nativeTask))
	assert.False(t, f.session.Done(nativeTask.Key()))
	assert.Empty(t, f.page.evaluated)

	// not marked, so a later run may succeed
	assert.Equal(t, OutcomeDelivered, f.pipeline.Run(context.Background(), nativeTask))
}

func TestRunEvaluateFallsBackToInlineScript(t *testing.T) {
	f := newFixture(t, true, nil)
	f.page.evalErr = errors.New("SyntaxError")

	assert.Equal(t, OutcomeDelivered, f.pipeline.Run(context.Background(), nativeTask))
	assert.Equal(t, []string{"window.x=1"}, f.page.inlined)
}

func TestRunScriptTagUsesTunnelAddress(t *testing.T) {
	f := newFixture(t, true, nil)
	task := nativeTask
	task.Delivery = DeliveryScriptTag

	assert.Equal(t, OutcomeDelivered, f.pipeline.Run(context.Background(), task))
	assert.Equal(t, []string{"http://gw.local/~/scramjet/https://ads.example/native.js"}, f.page.appended)
	assert.Zero(t, f.tunnel.count())
}

var popunderTask = Task{
	Name:            "popunder",
	TargetURL:       "https://ads.example/pop.js",
	RequiresGesture: true,
	Feature:         "popunder",
}

func TestRunGestureRetriesOnceAfterPointerDown(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.failFirst = 1

	done := make(chan Outcome, 1)
	go func() { done <- f.pipeline.Run(context.Background(), popunderTask) }()

	require.Eventually(t, func() bool { return f.page.listeners.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.page.pointerDown <- struct{}{}

	assert.Equal(t, OutcomeDelivered, <-done)
	assert.Equal(t, 2, f.tunnel.count())
	assert.Zero(t, f.page.listeners.Load(), "listener released after retry")
}

func TestRunGestureRetryFailureReleasesListener(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.failFirst = 5

	done := make(chan Outcome, 1)
	go func() { done <- f.pipeline.Run(context.Background(), popunderTask) }()

	require.Eventually(t, func() bool { return f.page.listeners.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.page.pointerDown <- struct{}{}

	assert.Equal(t, OutcomeFailed, <-done)
	assert.Equal(t, 2, f.tunnel.count(), "exactly one retry")
	assert.Zero(t, f.page.listeners.Load())
}

func TestRunGestureWaitCancelled(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.failFirst = 1
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- f.pipeline.Run(ctx, popunderTask) }()
	require.Eventually(t, func() bool { return f.page.listeners.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, OutcomeFailed, <-done)
	assert.Zero(t, f.page.listeners.Load())
}

func TestRunConsentRevokedDuringGestureWait(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.failFirst = 1

	done := make(chan Outcome, 1)
	go func() { done <- f.pipeline.Run(context.Background(), popunderTask) }()

	require.Eventually(t, func() bool { return f.page.listeners.Load() == 1 }, time.Second, 5*time.Millisecond)
	_, err := f.store.Set(context.Background(), consent.StatusDenied)
	require.NoError(t, err)
	f.page.pointerDown <- struct{}{}

	assert.Equal(t, OutcomeNoConsent, <-done)
	assert.Equal(t, 1, f.tunnel.count(), "no fetch after revoke")
	assert.Empty(t, f.page.evaluated)
	assert.False(t, f.session.Done(popunderTask.Key()))
}

func TestRunConsentRevokedDuringBeacon(t *testing.T) {
	f := newFixture(t, true, nil)
	f.beacon.onSend = func() {
		_, err := f.store.Set(context.Background(), consent.StatusDenied)
		require.NoError(t, err)
	}

	assert.Equal(t, OutcomeNoConsent, f.pipeline.Run(context.Background(), nativeTask))
	assert.EqualValues(t, 1, f.beacon.calls.Load())
	assert.Zero(t, f.tunnel.count())
	assert.False(t, f.session.Done(nativeTask.Key()))
}

func TestRunFeatureDisabledDuringFetch(t *testing.T) {
	toggles := &switchToggles{}
	toggles.on.Store(true)
	f := newFixture(t, true, toggles)
	f.tunnel.block = make(chan struct{})

	done := make(chan Outcome, 1)
	go func() { done <- f.pipeline.Run(context.Background(), nativeTask) }()

	require.Eventually(t, func() bool { return f.beacon.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	toggles.on.Store(false)
	close(f.tunnel.block)

	assert.Equal(t, OutcomeDisabled, <-done)
	f.page.mu.Lock()
	assert.Empty(t, f.page.evaluated)
	assert.Empty(t, f.page.inlined)
	f.page.mu.Unlock()
	assert.False(t, f.session.Done(nativeTask.Key()))
}

func TestRunConcurrentCallsShareOneExecution(t *testing.T) {
	f := newFixture(t, true, nil)
	f.tunnel.block = make(chan struct{})

	const n = 10
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.pipeline.Run(context.Background(), nativeTask)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.tunnel.block)
	wg.Wait()

	assert.Equal(t, 1, f.tunnel.count())
	for _, o := range outcomes {
		assert.Contains(t, []Outcome{OutcomeDelivered, OutcomeAlreadyDone}, o)
	}
}

func TestWatchRunsOnConsentChange(t *testing.T) {
	f := newFixture(t, false, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.pipeline.Watch(ctx, []Task{nativeTask}) }()

	// the initial run sees no consent
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.tunnel.count())

	_, err := f.store.Set(ctx, consent.StatusGranted)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.session.Done(nativeTask.Key()) }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchRunsOnToggleChange(t *testing.T) {
	v := viper.New()
	v.Set("features.native-banner", false)
	toggles := NewViperToggles(v)

	f := newFixture(t, true, toggles)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.pipeline.Watch(ctx, []Task{nativeTask})

	time.Sleep(20 * time.Millisecond)
	assert.False(t, f.session.Done(nativeTask.Key()))

	v.Set("features.native-banner", true)
	toggles.Notify()
	require.Eventually(t, func() bool { return f.session.Done(nativeTask.Key()) }, time.Second, 5*time.Millisecond)
}

func TestTaskFromConfig(t *testing.T) {
	tasks := TasksFromConfig(config.DefaultTasks())
	require.Len(t, tasks, 3)
	assert.Equal(t, "ads:native:loaded", tasks[0].Key())
	assert.True(t, tasks[1].RequiresGesture)
	assert.Equal(t, DeliveryEvaluate, tasks[2].Delivery)

	st := TaskFromConfig(config.Task{Name: "x", URL: "https://a/x.js", Delivery: config.DeliveryScriptTag})
	assert.Equal(t, DeliveryScriptTag, st.Delivery)
	assert.Equal(t, "custom", Task{Name: "x", DedupeKey: "custom"}.Key())
}

func TestStaticToggles(t *testing.T) {
	tg := StaticToggles{"popunder": true}
	assert.True(t, tg.Enabled(""))
	assert.True(t, tg.Enabled("POPUNDER"))
	assert.False(t, tg.Enabled("social-bar"))
}
