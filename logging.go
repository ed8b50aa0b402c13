package capfs

import (
	"log/slog"
	"os"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging wires the default slog logger per CMGR_DEBUG, CMGR_LOCK_DEBUG, and
// CMGR_OUTPUT. CMGR_DEBUG or CMGR_LOCK_DEBUG enables Debug-level tracing; no lock
// acquisition or release is traced. CMGR_OUTPUT, if set, redirects trace output to that file
// instead of stdout; the caller is responsible for closing the returned file, if any, at
// shutdown.
func ConfigureLogging() (*os.File, error) {
	logLevel.Set(slog.LevelInfo)
	if os.Getenv(EnvDebug) != "" || os.Getenv(EnvLockDebug) != "" {
		logLevel.Set(slog.LevelDebug)
	}

	out := os.Stdout
	var f *os.File
	if path := os.Getenv(EnvOutput); path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
	return f, nil
}

// LockDebugEnabled reports whether CMGR_LOCK_DEBUG tracing is on.
func LockDebugEnabled() bool {
	return os.Getenv(EnvLockDebug) != ""
}

// SetLogLevel overrides the logging level configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
