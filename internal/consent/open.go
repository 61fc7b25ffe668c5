package consent

import (
	"fmt"
	"log/slog"

	"github.com/sunbk201/tunnelgate/internal/config"
)

// OpenBackend builds the backend selected in cfg.
func OpenBackend(cfg config.ConsentConfig, l *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.ConsentBackendFile:
		return NewFileBackend(cfg.Path), nil
	case config.ConsentBackendSQLite:
		return OpenSQLBackend(cfg.Path, cfg.PollInterval, l)
	case config.ConsentBackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown consent backend %q", cfg.Backend)
	}
}
