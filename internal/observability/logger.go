package observability

import (
	"log/slog"
	"os"

	"github.com/couchcryptid/field-series-etl/internal/config"
)

// NewHandler builds the stdout slog handler selected by LOG_LEVEL and LOG_FORMAT.
func NewHandler(cfg *config.Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if cfg.LogFormat == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

// NewLogger returns a logger writing to stdout.
func NewLogger(cfg *config.Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
