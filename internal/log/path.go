package log

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// LogDirEnv overrides the log directory when set.
const LogDirEnv = "TUNNELGATE_LOG_DIR"

var (
	logDir     string
	logDirOnce sync.Once
)

// GetLogDir returns the first writable directory among $TUNNELGATE_LOG_DIR,
// /var/log/tunnelgate (Linux only), ~/.tunnelgate and the temp dir. It is
// resolved once per process.
func GetLogDir() string {
	logDirOnce.Do(func() {
		logDir = pickLogDir(logDirCandidates())
	})
	return logDir
}

func logDirCandidates() []string {
	var dirs []string
	if env := os.Getenv(LogDirEnv); env != "" {
		dirs = append(dirs, env)
	}
	if runtime.GOOS == "linux" {
		dirs = append(dirs, "/var/log/tunnelgate")
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".tunnelgate"))
	}
	return dirs
}

func pickLogDir(candidates []string) string {
	for _, dir := range candidates {
		if writable(dir) {
			return dir
		}
	}
	fallback := filepath.Join(os.TempDir(), "tunnelgate")
	_ = os.MkdirAll(fallback, 0o755)
	return fallback
}

func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

// GetLogFilePath returns the full path to the main log file.
func GetLogFilePath() string {
	return filepath.Join(GetLogDir(), "tunnelgate.log")
}
