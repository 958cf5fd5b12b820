// Package debug provides env-gated logging for embranch.
//
// Logging is off unless ENABLE_LOGGING is set. LOG_LEVEL selects the
// minimum level (debug, info, warn, error; default info). LOG_FILE_NAME
// redirects output to a file under the project .dmms directory instead
// of stderr.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type level int

const (
	levelDebug level = iota
	levelInfo
	levelWarn
	levelError
)

var (
	mu       sync.Mutex
	enabled  = os.Getenv("ENABLE_LOGGING") != ""
	minLevel = parseLevel(os.Getenv("LOG_LEVEL"))
	sink     *os.File // nil means stderr
)

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// Enabled reports whether logging is active.
func Enabled() bool {
	return enabled
}

// SetEnabled overrides the env gate (used by the serve command's flags).
func SetEnabled(on bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = on
}

// InitFileSink opens LOG_FILE_NAME under projectRoot/.dmms if configured.
// Falls back to stderr silently; a broken log sink must never take the
// server down.
func InitFileSink(projectRoot string) {
	name := os.Getenv("LOG_FILE_NAME")
	if name == "" {
		return
	}
	dir := filepath.Join(projectRoot, ".dmms")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	mu.Lock()
	sink = f
	mu.Unlock()
}

// CloseFileSink flushes and closes the log file, if one was opened.
func CloseFileSink() {
	mu.Lock()
	defer mu.Unlock()
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
}

func logf(lv level, tag, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if !enabled || lv < minLevel {
		return
	}
	w := os.Stderr
	if sink != nil {
		w = sink
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(w, "%s %s %s\n", ts, tag, fmt.Sprintf(format, args...))
}

func Logf(format string, args ...interface{})   { logf(levelDebug, "DEBUG", format, args...) }
func Infof(format string, args ...interface{})  { logf(levelInfo, "INFO ", format, args...) }
func Warnf(format string, args ...interface{})  { logf(levelWarn, "WARN ", format, args...) }
func Errorf(format string, args ...interface{}) { logf(levelError, "ERROR", format, args...) }
