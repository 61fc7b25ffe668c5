package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		BindAddress: "127.0.0.1",
		Port:        8080,
		APIAddress:  "127.0.0.1:9090",

		LogLevel: "info",

		Engines: EnginesConfig{
			Prefix: PrefixEngineConfig{Path: "/~/px/"},
			Bundle: BundleConfig{
				Manifest: "engines/bundle/manifest.yaml",
				Entry:    "TunnelWorker",
			},
			Legacy: LegacyConfig{
				Pieces: []string{
					"engines/legacy/shared.yaml",
					"engines/legacy/worker.yaml",
				},
			},
		},

		Consent: ConsentConfig{
			Backend:      ConsentBackendFile,
			Path:         "consent.yaml",
			PollInterval: 2 * time.Second,
		},
		Session: SessionConfig{TTL: 12 * time.Hour, Size: 1024},
		Beacon:  BeaconConfig{Timeout: 4 * time.Second},
		Tunnel:  TunnelConfig{BaseURL: "http://127.0.0.1:8080"},
		Browser: BrowserConfig{CDPURL: "http://127.0.0.1:9222"},

		Features: map[string]bool{
			"native-banner": true,
			"popunder":      false,
			"social-bar":    false,
		},
		Tasks: DefaultTasks(),
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
