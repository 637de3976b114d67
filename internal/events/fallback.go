package events

import (
	"context"
	"log/slog"
)

type fallbackPublisher struct {
	log *slog.Logger
}

// NewFallback returns a Publisher that only logs. It is used when no broker
// is configured or the broker is unreachable at startup.
func NewFallback(logger *slog.Logger) Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackPublisher{log: logger}
}

func (p *fallbackPublisher) Publish(_ context.Context, key string, msg Envelope) error {
	p.log.Debug("Event publish skipped (no broker)", "key", key, "id", msg.Meta.ID)
	return nil
}

func (p *fallbackPublisher) Close() error { return nil }
