package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

type logSetup struct {
	handler    slog.Handler
	otelBridge bool
}

var currentLogSetup atomic.Pointer[logSetup]

// SetupLogging installs the process-wide slog handler. format is text or json;
// with otelBridge set, scoped loggers emit through the global OTel
// LoggerProvider instead.
func SetupLogging(w io.Writer, format, level string, otelBridge bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(h))
	currentLogSetup.Store(&logSetup{handler: h, otelBridge: otelBridge})
}

// Logger returns the logger for an instrumentation scope, normally the
// importing package path.
func Logger(scope string) *slog.Logger {
	setup := currentLogSetup.Load()
	if setup != nil && setup.otelBridge {
		return otelslog.NewLogger(scope)
	}
	if setup == nil {
		return slog.Default().With("scope", shortScope(scope))
	}
	return slog.New(setup.handler).With("scope", shortScope(scope))
}

func shortScope(scope string) string {
	if i := strings.LastIndex(scope, "/"); i >= 0 {
		return scope[i+1:]
	}
	return scope
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
