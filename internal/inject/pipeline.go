// Package inject delivers third-party scripts into a page once the user
// consented, the feature is on and the session has not seen them yet.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/sunbk201/tunnelgate/internal/beacon"
	"github.com/sunbk201/tunnelgate/internal/consent"
	"github.com/sunbk201/tunnelgate/internal/statistics"
	"github.com/sunbk201/tunnelgate/internal/tunnel"
)

// ErrScriptExecution wraps page errors raised while running a fetched script.
var ErrScriptExecution = errors.New("script execution failed")

// gateClosed is returned by deliver when consent or the feature toggle was
// withdrawn while the script was being fetched.
type gateClosed struct{ outcome Outcome }

func (g gateClosed) Error() string { return "delivery withdrawn: " + g.outcome.String() }

// ConsentSource reads and follows the persisted consent record.
type ConsentSource interface {
	Get(ctx context.Context) consent.Record
	Subscribe() (int64, <-chan consent.Change)
	Unsubscribe(id int64)
}

// Beacon confirms a task's ad request before its script is delivered.
type Beacon interface {
	SendOnce(ctx context.Context, url string, mount beacon.Mount) bool
}

// Tunnel resolves third-party targets through the first-party proxy.
type Tunnel interface {
	Fetch(ctx context.Context, target string) (string, bool)
	Address(ctx context.Context, target string) (string, bool)
}

// Dedupe remembers which tasks already ran in the current session.
type Dedupe interface {
	ID() string
	Done(key string) bool
	MarkDone(key string)
}

// Options wires a Pipeline. Toggles, Beacon and Logger fall back to
// defaults when nil.
type Options struct {
	Consent ConsentSource
	Toggles Toggles
	Session Dedupe
	Beacon  Beacon
	Tunnel  Tunnel
	Page    Page
	Stats   *statistics.TaskRecordList
	Logger  *slog.Logger
}

// Pipeline runs injection tasks against one page.
type Pipeline struct {
	consent ConsentSource
	toggles Toggles
	session Dedupe
	beacon  Beacon
	tunnel  Tunnel
	page    Page
	stats   *statistics.TaskRecordList
	logger  *slog.Logger

	group singleflight.Group
}

// New returns a Pipeline built from opts.
func New(opts Options) *Pipeline {
	p := &Pipeline{
		consent: opts.Consent,
		toggles: opts.Toggles,
		session: opts.Session,
		beacon:  opts.Beacon,
		tunnel:  opts.Tunnel,
		page:    opts.Page,
		stats:   opts.Stats,
		logger:  opts.Logger,
	}
	if p.toggles == nil {
		p.toggles = StaticToggles{}
	}
	if p.beacon == nil {
		p.beacon = beacon.Default()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Run executes task once. Concurrent runs of the same task share one
// execution and its outcome.
func (p *Pipeline) Run(ctx context.Context, task Task) Outcome {
	v, _, _ := p.group.Do(task.Key(), func() (any, error) {
		return p.run(ctx, task), nil
	})
	outcome := v.(Outcome)
	if p.stats != nil {
		p.stats.Add(&statistics.TaskRecord{Task: task.Name, Session: p.session.ID(), Outcome: outcome.String()})
	}
	return outcome
}

// admitted reports whether task may still proceed. It is consulted before
// every step that waits, since consent and toggles can change meanwhile.
func (p *Pipeline) admitted(ctx context.Context, task Task) (Outcome, bool) {
	if !p.consent.Get(ctx).Granted() {
		return OutcomeNoConsent, false
	}
	if !p.toggles.Enabled(task.Feature) {
		return OutcomeDisabled, false
	}
	return OutcomeDelivered, true
}

func (p *Pipeline) run(ctx context.Context, task Task) Outcome {
	logger := p.logger.With(slog.Any("task", task))

	if outcome, ok := p.admitted(ctx, task); !ok {
		return outcome
	}
	key := task.Key()
	if p.session.Done(key) {
		return OutcomeAlreadyDone
	}

	if task.BeaconURL != "" {
		if !p.beacon.SendOnce(ctx, task.BeaconURL, p.page.Mount(task.Mount)) {
			logger.Debug("beacon not confirmed, skipping delivery")
			return OutcomeBeaconFailed
		}
		if outcome, ok := p.admitted(ctx, task); !ok {
			logger.Debug("withdrawn during beacon", slog.String("outcome", outcome.String()))
			return outcome
		}
	}

	err := p.deliver(ctx, task)
	if err != nil && task.RequiresGesture && !errors.As(err, new(gateClosed)) {
		logger.Debug("delivery failed, retrying on next pointer-down", slog.Any("error", err))
		if werr := p.page.WaitPointerDown(ctx); werr != nil {
			logger.Debug("pointer-down wait ended", slog.Any("error", werr))
			return OutcomeFailed
		}
		if outcome, ok := p.admitted(ctx, task); !ok {
			logger.Debug("withdrawn during pointer-down wait", slog.String("outcome", outcome.String()))
			return outcome
		}
		err = p.deliver(ctx, task)
	}
	var gc gateClosed
	if errors.As(err, &gc) {
		logger.Debug("withdrawn during fetch", slog.String("outcome", gc.outcome.String()))
		return gc.outcome
	}
	if err != nil {
		logger.Debug("delivery failed", slog.Any("error", err))
		return OutcomeFailed
	}

	p.session.MarkDone(key)
	logger.Info("task delivered")
	return OutcomeDelivered
}

// deliver fetches the script and hands it to the page. The admission check
// runs again between the fetch and the first page mutation.
func (p *Pipeline) deliver(ctx context.Context, task Task) error {
	switch task.Delivery {
	case DeliveryScriptTag:
		addr, ok := p.tunnel.Address(ctx, task.TargetURL)
		if !ok {
			return tunnel.ErrFetchFailed
		}
		if outcome, ok := p.admitted(ctx, task); !ok {
			return gateClosed{outcome}
		}
		if err := p.page.AppendScript(ctx, addr); err != nil {
			return fmt.Errorf("%w: %w", ErrScriptExecution, err)
		}
		return nil
	default:
		body, ok := p.tunnel.Fetch(ctx, task.TargetURL)
		if !ok {
			return tunnel.ErrFetchFailed
		}
		if outcome, ok := p.admitted(ctx, task); !ok {
			return gateClosed{outcome}
		}
		err := p.page.Evaluate(ctx, body)
		if err == nil {
			return nil
		}
		p.logger.Debug("evaluate failed, falling back to inline script", slog.String("task", task.Name), slog.Any("error", err))
		if err := p.page.InlineScript(ctx, body); err != nil {
			return fmt.Errorf("%w: %w", ErrScriptExecution, err)
		}
		return nil
	}
}

type changeNotifier interface {
	Changes() <-chan struct{}
}

// Watch runs every task now and again after each consent or toggle change
// until ctx is done.
func (p *Pipeline) Watch(ctx context.Context, tasks []Task) error {
	id, changes := p.consent.Subscribe()
	defer p.consent.Unsubscribe(id)

	var toggled <-chan struct{}
	if n, ok := p.toggles.(changeNotifier); ok {
		toggled = n.Changes()
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	runAll := func(reason string) {
		p.logger.Debug("running tasks", slog.String("reason", reason), slog.Int("tasks", len(tasks)))
		for _, t := range tasks {
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				p.Run(ctx, t)
			}(t)
		}
	}

	runAll("start")
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.Kind == consent.KindChanged {
				runAll("consent changed")
			}
		case <-toggled:
			runAll("features changed")
		}
	}
}
