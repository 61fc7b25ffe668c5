package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sunbk201/tunnelgate/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetLogConf installs the process logger: text lines go to stdout, the
// rotated log file and lb (when non-nil); every record is also published on
// the returned Hub.
func SetLogConf(level string, lb *Broadcaster) *Hub {
	writers := []io.Writer{
		os.Stdout,
		&lumberjack.Logger{
			Filename:   GetLogFilePath(),
			MaxSize:    5, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			LocalTime:  true,
			Compress:   true,
		},
	}
	if lb != nil {
		writers = append(writers, lb)
	}

	hub := NewHub(NewTextHandler(io.MultiWriter(writers...), ParseLevel(level)))
	slog.SetDefault(slog.New(hub))
	return hub
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func NewTextHandler(w io.Writer, level slog.Leveler) slog.Handler {
	loc := LoadLocalLocation()
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().In(loc)
				return slog.String(slog.TimeKey, t.Format("2006-01-02 15:04:05"))
			}
			return a
		},
	})
}

func LogHeader(version string, cfg *config.Config) {
	slog.Info("tunnelgate started", "version", version, "", cfg)
	slog.Info("OS info", GetOSInfo()...)
}

// LoadLocalLocation tries to detect and load the system local timezone from
// `/etc/localtime` or `/etc/TZ`. Compatible with OpenWrt and normal Linux.
func LoadLocalLocation() *time.Location {
	if _, err := os.Stat("/etc/localtime"); err == nil {
		if loc, _ := time.LoadLocation("Local"); loc != nil {
			return loc
		}
	}
	if data, err := os.ReadFile("/etc/TZ"); err == nil {
		tz := strings.TrimSpace(string(data))
		if len(tz) > 0 {
			if strings.HasPrefix(tz, "CST-8") {
				return time.FixedZone("CST", 8*3600)
			}
			if strings.HasPrefix(tz, "UTC") {
				return time.UTC
			}
		}
	}
	return time.UTC
}
