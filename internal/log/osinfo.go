package log

import (
	"log/slog"
	"os"
	"runtime"
)

// processInfo is logged once at startup on every platform.
func processInfo() []any {
	attrs := []any{
		slog.String("GOOS", runtime.GOOS),
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("Go Version", runtime.Version()),
		slog.Int("pid", os.Getpid()),
		slog.Int("CPUs", runtime.NumCPU()),
	}
	if hostname, err := os.Hostname(); err == nil {
		attrs = append(attrs, slog.String("hostname", hostname))
	}
	if wd, err := os.Getwd(); err == nil {
		attrs = append(attrs, slog.String("workdir", wd))
	}
	return attrs
}
