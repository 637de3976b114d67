// Package events publishes classified marketplace events to downstream
// consumers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Routing keys / event types.
const (
	TypeChatReceived    = "marketplace.chat.received.v1"
	TypeOrderStatus     = "marketplace.order.status.v1"
	TypeReplySent       = "marketplace.reply.sent.v1"
	TypeEntryDeadLetter = "marketplace.queue.dead_letter.v1"
)

// Meta identifies a single published event.
type Meta struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Producer string    `json:"producer,omitempty"`
}

// Envelope is the wire shape of every published event.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// NewEnvelope wraps data with a fresh id and timestamp.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Time:     time.Now().UTC(),
			Producer: "goofish-agent",
		},
		Data: data,
	}
}

// Publisher delivers envelopes keyed by routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}
