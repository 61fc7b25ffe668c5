package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type ConsentBackend string

const (
	ConsentBackendFile   ConsentBackend = "FILE"
	ConsentBackendSQLite ConsentBackend = "SQLITE"
	ConsentBackendMemory ConsentBackend = "MEMORY"
)

type Delivery string

const (
	DeliveryEvaluate  Delivery = "EVALUATE"
	DeliveryScriptTag Delivery = "SCRIPT-TAG"
)

type Config struct {
	BindAddress string `yaml:"bind-address" json:"bind_address" validate:"required,ip"`
	Port        int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ListenAddr  string `yaml:"-" json:"listen_addr"`

	APIAddress string `yaml:"api-address" json:"api_address,omitempty" validate:"omitempty,hostname_port"`
	APISecret  string `yaml:"api-secret" json:"-"`

	LogLevel string `yaml:"log-level" json:"log_level" validate:"oneof=debug info warn error"`

	// Origin is the public origin the gateway is reached at. Derived per
	// request when empty.
	Origin   string `yaml:"origin" json:"origin,omitempty" validate:"omitempty,url"`
	Upstream string `yaml:"upstream" json:"upstream,omitempty" validate:"omitempty,url"`

	Engines EnginesConfig `yaml:"engines" json:"engines"`
	Consent ConsentConfig `yaml:"consent" json:"consent"`
	Session SessionConfig `yaml:"session" json:"session"`
	Beacon  BeaconConfig  `yaml:"beacon" json:"beacon"`
	Tunnel  TunnelConfig  `yaml:"tunnel" json:"tunnel"`
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	Features map[string]bool `yaml:"features" json:"features"`
	Tasks    []Task          `yaml:"tasks" json:"tasks" validate:"dive"`
}

type EnginesConfig struct {
	Prefix PrefixEngineConfig `yaml:"prefix" json:"prefix"`
	Bundle BundleConfig       `yaml:"bundle" json:"bundle"`
	Legacy LegacyConfig       `yaml:"legacy" json:"legacy"`
}

type PrefixEngineConfig struct {
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`
}

type BundleConfig struct {
	Manifest string `yaml:"manifest" json:"manifest"`
	Entry    string `yaml:"entry" json:"entry" validate:"required"`
}

type LegacyConfig struct {
	Pieces []string `yaml:"pieces" json:"pieces"`
}

type ConsentConfig struct {
	Backend      ConsentBackend `yaml:"backend" json:"backend" validate:"oneof=FILE SQLITE MEMORY"`
	Path         string         `yaml:"path" json:"path" validate:"required_unless=Backend MEMORY"`
	PollInterval time.Duration  `yaml:"poll-interval" json:"poll_interval"`
}

type SessionConfig struct {
	TTL  time.Duration `yaml:"ttl" json:"ttl"`
	Size int           `yaml:"size" json:"size" validate:"min=1"`
}

type BeaconConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
}

type TunnelConfig struct {
	BaseURL string `yaml:"base-url" json:"base_url,omitempty" validate:"omitempty,url"`
}

type BrowserConfig struct {
	CDPURL    string `yaml:"cdp-url" json:"cdp_url,omitempty"`
	TabFilter string `yaml:"tab-filter" json:"tab_filter,omitempty"`
}

type Task struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	URL      string   `yaml:"url" json:"url" validate:"required,url"`
	Beacon   string   `yaml:"beacon" json:"beacon,omitempty"`
	Delivery Delivery `yaml:"delivery" json:"delivery" validate:"oneof=EVALUATE SCRIPT-TAG"`
	Gesture  bool     `yaml:"gesture" json:"gesture"`
	Feature  string   `yaml:"feature" json:"feature,omitempty"`
	// Mount is a CSS selector the beacon probe is attached under.
	Mount string `yaml:"mount" json:"mount,omitempty"`
}

// DefaultTasks mirrors the three sponsored units the web front-end mounts.
func DefaultTasks() []Task {
	return []Task{
		{
			Name:     "native",
			URL:      "https://pl.example-ads.net/native/invoke.js",
			Beacon:   "/api/ads/ping?tag=native",
			Delivery: DeliveryEvaluate,
			Feature:  "native-banner",
		},
		{
			Name:     "popunder",
			URL:      "https://pl.example-ads.net/popunder.js",
			Beacon:   "/api/ads/ping?tag=popunder",
			Delivery: DeliveryEvaluate,
			Gesture:  true,
			Feature:  "popunder",
		},
		{
			Name:     "socialbar",
			URL:      "https://pl.example-ads.net/socialbar.js",
			Beacon:   "/api/ads/ping?tag=socialbar",
			Delivery: DeliveryEvaluate,
			Feature:  "social-bar",
		},
	}
}

// BuildConfigFromViper decodes the merged viper state (defaults, config
// file, env, flags) into a validated Config.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("viper.Unmarshal: %w", err)
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Consent.Backend = ConsentBackend(strings.ToUpper(string(cfg.Consent.Backend)))
	cfg.Origin = strings.TrimSuffix(cfg.Origin, "/")
	cfg.Upstream = strings.TrimSuffix(cfg.Upstream, "/")
	cfg.Tunnel.BaseURL = strings.TrimSuffix(cfg.Tunnel.BaseURL, "/")

	if len(cfg.Tasks) == 0 {
		cfg.Tasks = DefaultTasks()
	}
	for i := range cfg.Tasks {
		t := &cfg.Tasks[i]
		t.Delivery = Delivery(strings.ToUpper(string(t.Delivery)))
		if t.Delivery == "" {
			t.Delivery = DeliveryEvaluate
		}
	}
	if cfg.Features == nil {
		cfg.Features = map[string]bool{}
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.ListenAddr = net.JoinHostPort(cfg.BindAddress, fmt.Sprintf("%d", cfg.Port))
	return &cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Listen Address", c.ListenAddr),
		slog.String("API Address", c.APIAddress),
		slog.String("Origin", c.Origin),
		slog.String("Upstream", c.Upstream),
		slog.String("Prefix Engine", c.Engines.Prefix.Path),
		slog.String("Bundle Manifest", c.Engines.Bundle.Manifest),
		slog.Int("Legacy Pieces", len(c.Engines.Legacy.Pieces)),
		slog.String("Consent Backend", string(c.Consent.Backend)),
		slog.Duration("Session TTL", c.Session.TTL),
		slog.Duration("Beacon Timeout", c.Beacon.Timeout),
		slog.Int("Tasks", len(c.Tasks)),
	)
}
