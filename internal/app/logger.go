package app

import (
	"log/slog"
	"os"
)

// NewLogger returns the process logger. Production runs emit JSON with a
// service attribute for log aggregation; everything else gets readable
// text output.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With(slog.String("service", "gatekeep"))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
