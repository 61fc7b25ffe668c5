//go:build !unix

package log

import (
	"log/slog"
	"os"
)

func GetOSInfo() []any {
	attrs := processInfo()
	if v, ok := os.LookupEnv("OS"); ok {
		attrs = append(attrs, slog.String("os_version", v))
	}
	return attrs
}
