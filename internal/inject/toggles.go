package inject

import (
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Toggles reports whether a feature is switched on.
type Toggles interface {
	Enabled(feature string) bool
}

// StaticToggles is a fixed feature map. Unknown features are off.
type StaticToggles map[string]bool

func (s StaticToggles) Enabled(feature string) bool {
	if feature == "" {
		return true
	}
	return s[strings.ToLower(feature)]
}

// ViperToggles reads features.<name> from a viper instance on every call, so
// edits to the config file take effect without a restart.
type ViperToggles struct {
	v *viper.Viper

	mu          sync.Mutex
	subscribers []chan struct{}
}

func NewViperToggles(v *viper.Viper) *ViperToggles {
	return &ViperToggles{v: v}
}

func (t *ViperToggles) Enabled(feature string) bool {
	if feature == "" {
		return true
	}
	return t.v.GetBool("features." + strings.ToLower(feature))
}

// Changes returns a channel signalled after each config file change.
func (t *ViperToggles) Changes() <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	return ch
}

// WatchConfig starts watching the config file viper was loaded from.
func (t *ViperToggles) WatchConfig() {
	t.v.OnConfigChange(func(fsnotify.Event) {
		t.Notify()
	})
	t.v.WatchConfig()
}

// Notify signals every Changes channel. Pending signals coalesce.
func (t *ViperToggles) Notify() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
