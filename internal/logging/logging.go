// Package logging builds slog.Loggers (New does not install one as the
// process default): JSON in production, a human-readable handler in development,
// with a handful of lifecycle lines tagged with an emoji the way the
// teacher's services did ("🚀 starting", "✅ ready", "🛑 shutting down").
package logging

import (
	"log/slog"
	"os"
)

func New(env string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func Starting(l *slog.Logger, component string, attrs ...any) {
	l.Info("🚀 starting "+component, attrs...)
}

func Ready(l *slog.Logger, component string, attrs ...any) {
	l.Info("✅ "+component+" ready", attrs...)
}

func ShuttingDown(l *slog.Logger, component string, attrs ...any) {
	l.Warn("🛑 shutting down "+component, attrs...)
}
