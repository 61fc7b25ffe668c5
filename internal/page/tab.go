// Package page drives a real browser tab over the Chrome DevTools Protocol
// and exposes it as the document scripts are injected into.
package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/sunbk201/tunnelgate/internal/beacon"
)

var ErrNoTab = errors.New("no browser tab matches")

// Tab is one attached browser tab.
type Tab struct {
	ID  target.ID
	URL string

	ctx         context.Context
	allocCancel context.CancelFunc
	logger      *slog.Logger

	bindingSeq atomic.Int64
	mu         sync.Mutex
	bindings   map[string]chan struct{}
}

// Attach connects to the browser at cdpURL and attaches to the first page
// whose URL contains filter.
func Attach(ctx context.Context, cdpURL, filter string, logger *slog.Logger) (*Tab, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Connecting to browser", "url", cdpURL)

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)

	tempCtx, tempCancel := chromedp.NewContext(allocCtx)
	defer tempCancel()
	stop := context.AfterFunc(ctx, tempCancel)
	defer stop()
	if err := chromedp.Run(tempCtx); err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	targets, err := chromedp.Targets(tempCtx)
	if err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to enumerate targets: %w", err)
	}

	var picked *target.Info
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if filter != "" && !strings.Contains(t.URL, filter) {
			logger.Debug("Skipping tab (url filter)", "url", t.URL)
			continue
		}
		picked = t
		break
	}
	if picked == nil {
		allocCancel()
		return nil, fmt.Errorf("%w %q", ErrNoTab, filter)
	}

	// the tab context is never cancelled: that would close the user's tab
	tabCtx, _ := chromedp.NewContext(allocCtx, chromedp.WithTargetID(picked.TargetID))
	tab := &Tab{
		ID:          picked.TargetID,
		URL:         picked.URL,
		ctx:         tabCtx,
		allocCancel: allocCancel,
		logger:      logger.With("target_id", string(picked.TargetID)),
		bindings:    make(map[string]chan struct{}),
	}
	if err := chromedp.Run(tabCtx, runtime.Enable(), cdppage.Enable()); err != nil {
		allocCancel()
		return nil, fmt.Errorf("failed to enable runtime/page domains: %w", err)
	}
	chromedp.ListenTarget(tabCtx, tab.onEvent)
	tab.logger.Info("Attached to tab", "url", picked.URL)
	return tab, nil
}

func (t *Tab) onEvent(ev any) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		t.mu.Lock()
		ch, ok := t.bindings[e.Name]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	case *cdppage.EventFrameNavigated:
		if e.Frame.ParentID == "" {
			t.logger.Debug("Tab navigated", "url", e.Frame.URL)
		}
	}
}

// Close detaches from the browser. The tab itself stays open.
func (t *Tab) Close() error {
	t.allocCancel()
	return nil
}

// run executes actions on the tab, aborting when ctx is done.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (t *Tab) eval(ctx context.Context, expr string, awaitPromise bool) (string, error) {
	var res string
	opts := []chromedp.EvaluateOption{}
	if awaitPromise {
		opts = append(opts, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		})
	}
	err := t.run(ctx, chromedp.Evaluate(expr, &res, opts...))
	return res, err
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (t *Tab) Evaluate(ctx context.Context, body string) error {
	_, err := t.eval(ctx, fmt.Sprintf(`(function(){ new Function(%s)(); return "ok"; })()`, jsString(body)), false)
	return err
}

func (t *Tab) InlineScript(ctx context.Context, body string) error {
	_, err := t.eval(ctx, fmt.Sprintf(`(function(){
  var s = document.createElement("script");
  s.type = "text/javascript";
  s.textContent = %s;
  document.head.appendChild(s);
  return "ok";
})()`, jsString(body)), false)
	return err
}

func (t *Tab) AppendScript(ctx context.Context, src string) error {
	_, err := t.eval(ctx, fmt.Sprintf(`(function(){
  var s = document.createElement("script");
  s.src = %s;
  s.async = true;
  document.head.appendChild(s);
  return "ok";
})()`, jsString(src)), false)
	return err
}

// WaitPointerDown installs a one-shot capture listener backed by a CDP
// binding and removes both before returning.
func (t *Tab) WaitPointerDown(ctx context.Context) error {
	name := fmt.Sprintf("__tunnelgatePointer%d", t.bindingSeq.Add(1))
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.bindings[name] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.bindings, name)
		t.mu.Unlock()
		cleanupCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		_, _ = t.eval(cleanupCtx, fmt.Sprintf(`(function(){
  var h = window[%[1]s + "Handler"];
  if (h) { document.removeEventListener("pointerdown", h, true); delete window[%[1]s + "Handler"]; }
  return "ok";
})()`, jsString(name)), false)
		_ = t.run(cleanupCtx, runtime.RemoveBinding(name))
	}()

	if err := t.run(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("add pointer binding: %w", err)
	}
	if _, err := t.eval(ctx, fmt.Sprintf(`(function(){
  var name = %[1]s;
  var h = function(){
    document.removeEventListener("pointerdown", h, true);
    delete window[name + "Handler"];
    window[name]("down");
  };
  window[name + "Handler"] = h;
  document.addEventListener("pointerdown", h, true);
  return "ok";
})()`, jsString(name)), false); err != nil {
		return fmt.Errorf("install pointer listener: %w", err)
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Mount returns a beacon mount attaching probes under selector, falling back
// to the body when nothing matches.
func (t *Tab) Mount(selector string) beacon.Mount {
	if selector == "" {
		return nil
	}
	return &probeMount{tab: t, selector: selector}
}

type probeMount struct {
	tab      *Tab
	selector string
}

// AttachProbe resolves on load and on error alike; only ctx ends it early.
func (m *probeMount) AttachProbe(ctx context.Context, url string) error {
	res, err := m.tab.eval(ctx, fmt.Sprintf(`new Promise(function(resolve){
  var img = new Image(1, 1);
  img.alt = "";
  img.setAttribute("aria-hidden", "true");
  img.style.cssText = "position:absolute;width:1px;height:1px;opacity:0;pointer-events:none;";
  img.onload = function(){ img.remove(); resolve("load"); };
  img.onerror = function(){ img.remove(); resolve("error"); };
  img.src = %s;
  (document.querySelector(%s) || document.body).appendChild(img);
})`, jsString(url), jsString(m.selector)), true)
	if err != nil {
		return err
	}
	m.tab.logger.Debug("beacon probe settled", "result", res)
	return nil
}
