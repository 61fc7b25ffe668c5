package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ScopeConfig is the scoped engine's runtime configuration.
type ScopeConfig struct {
	Prefix string `yaml:"prefix" json:"prefix"`
	Rules  []Rule `yaml:"rules" json:"rules"`
}

// ScopedEngine claims requests under its prefix whose tunnelled target its
// rules accept. Its configuration is loaded lazily by LoadConfig.
type ScopedEngine struct {
	manifest Manifest
	tunnel   *tunnel
	logger   *slog.Logger

	mu     sync.RWMutex
	loaded bool
	prefix string
	rules  *RuleSet
}

func NewScopedEngine(m Manifest, transport http.RoundTripper, logger *slog.Logger) *ScopedEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScopedEngine{
		manifest: m,
		tunnel:   &tunnel{name: m.Entry, transport: transport, logger: logger},
		logger:   logger,
	}
}

func (e *ScopedEngine) Name() string {
	return e.manifest.Entry
}

func (e *ScopedEngine) Manifest() Manifest {
	return e.manifest
}

// Prefix is empty until LoadConfig succeeded.
func (e *ScopedEngine) Prefix() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prefix
}

// LoadConfig reads the scope configuration once. A failed load is retried
// on the next call.
func (e *ScopedEngine) LoadConfig(ctx context.Context) error {
	e.mu.RLock()
	loaded := e.loaded
	e.mu.RUnlock()
	if loaded {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sc, err := e.readScope()
	if err != nil {
		return fmt.Errorf("load %s config: %w", e.manifest.Entry, err)
	}
	if strings.Trim(sc.Prefix, "/") == "" {
		return fmt.Errorf("load %s config: empty prefix", e.manifest.Entry)
	}
	e.prefix = NormalizePrefix(sc.Prefix)
	e.rules = NewRuleSet(sc.Rules)
	e.loaded = true
	e.logger.Info("Scoped engine config loaded",
		slog.String("engine", e.manifest.Entry),
		slog.String("prefix", e.prefix),
		slog.Int("rules", e.rules.Len()))
	return nil
}

func (e *ScopedEngine) readScope() (ScopeConfig, error) {
	if e.manifest.Config == "" {
		return e.manifest.Scope, nil
	}
	v := viper.New()
	v.SetConfigFile(e.manifest.Config)
	if err := v.ReadInConfig(); err != nil {
		return ScopeConfig{}, err
	}
	var sc ScopeConfig
	if err := v.Unmarshal(&sc, yamlTags); err != nil {
		return ScopeConfig{}, err
	}
	return sc, nil
}

func (e *ScopedEngine) Owns(r *http.Request) bool {
	e.mu.RLock()
	loaded, prefix, rules := e.loaded, e.prefix, e.rules
	e.mu.RUnlock()
	if !loaded || !strings.HasPrefix(r.URL.Path, prefix) {
		return false
	}
	target, err := DecodeTarget(prefix, r)
	if err != nil {
		return false
	}
	if rules.Len() == 0 {
		return true
	}
	rule := rules.Match(r, target)
	return rule == nil || rule.Action == ActionTunnel
}

func (e *ScopedEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := DecodeTarget(e.Prefix(), r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.tunnel.serve(w, r, target)
}

func yamlTags(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
}
