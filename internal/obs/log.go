// Package obs carries the ambient structured-logging stack: the teacher's
// log.Printf/log.Fatalf idiom generalized from a one-shot CLI script to a
// long-running, multi-goroutine engine where log lines must be
// attributable to one relayer and one component.
package obs

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide base logger. json=true selects the
// JSON handler for production; false selects a human-readable text
// handler for local development, mirroring the plain fmt.Printf output
// the teacher's exercises print to stdout.
func NewLogger(json bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// ForRelayer scopes a logger to one relayer's worker tasks.
func ForRelayer(base *slog.Logger, relayerId, chainId any) *slog.Logger {
	return base.With("relayer_id", relayerId, "chain_id", chainId)
}

// ForComponent tags a logger with the process-wide component emitting
// through it (gas oracle, top-up, webhook delivery, ...).
func ForComponent(base *slog.Logger, component string) *slog.Logger {
	return base.With("component", component)
}
