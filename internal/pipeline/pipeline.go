// Package pipeline turns queued raw frames into domain events and routes
// them to the conversation aggregator or the order tracker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/codec"
	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/ashureev/goofish-agent/internal/events"
	"github.com/ashureev/goofish-agent/internal/geoip"
)

// DefaultStaleAfter is how old a chat message may be before it is dropped.
const DefaultStaleAfter = 5 * time.Minute

// ErrProcessing marks a failure while routing an event. Queue entries that
// fail this way are released for redelivery.
var ErrProcessing = errors.New("processing failed")

// ChatSink receives fresh chat messages.
type ChatSink interface {
	Add(msg domain.ChatMessage)
}

// OrderSink receives order status transitions.
type OrderSink interface {
	HandleStatus(ctx context.Context, ev domain.OrderStatusEvent) error
}

// Locator resolves a client IP to a location.
type Locator interface {
	Lookup(ctx context.Context, ip string) (geoip.Location, error)
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
	Stale     int64 `json:"stale"`
	Ignored   int64 `json:"ignored"`
}

// Pipeline decodes, classifies and routes frames.
type Pipeline struct {
	decoder    *codec.Decoder
	chats      ChatSink
	orders     OrderSink
	locator    Locator
	publisher  events.Publisher
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	processed atomic.Int64
	dropped   atomic.Int64
	stale     atomic.Int64
	ignored   atomic.Int64
}

// New creates a Pipeline. staleAfter <= 0 selects DefaultStaleAfter.
func New(decoder *codec.Decoder, chats ChatSink, orders OrderSink, staleAfter time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Pipeline{
		decoder:    decoder,
		chats:      chats,
		orders:     orders,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// SetLocator enables IP geolocation of chat messages.
func (p *Pipeline) SetLocator(l Locator) {
	p.locator = l
}

// SetPublisher enables publishing of chat and order events.
func (p *Pipeline) SetPublisher(pub events.Publisher) {
	p.publisher = pub
}

// Process handles one raw frame. Undecodable frames are logged and dropped
// with a nil error; only routing failures are returned, wrapping
// ErrProcessing.
func (p *Pipeline) Process(ctx context.Context, raw []byte) error {
	p.processed.Add(1)

	f, err := codec.Parse(raw)
	if err != nil {
		p.dropped.Add(1)
		p.logger.Warn("[PIPELINE] Dropping unparsable frame", "error", err)
		return nil
	}

	payload, err := p.decoder.Decode(f)
	switch {
	case errors.Is(err, codec.ErrPlainPayload):
		p.ignored.Add(1)
		p.logger.Warn("[PIPELINE] Plain payload ignored without decoding, event may be lost", "mid", f.Header("mid"))
		return nil
	case err != nil:
		p.dropped.Add(1)
		p.logger.Warn("[PIPELINE] Dropping undecodable frame", "mid", f.Header("mid"), "error", err)
		return nil
	}

	return p.Route(ctx, Classify(payload, p.now().UnixMilli()))
}

// Route dispatches a classified event.
func (p *Pipeline) Route(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.KindChat:
		p.routeChat(ctx, *ev.Chat)
		return nil

	case domain.KindOrderStatus:
		o := *ev.Order
		p.publish(ctx, events.TypeOrderStatus, o)
		if err := p.orders.HandleStatus(ctx, o); err != nil {
			return fmt.Errorf("%w: order %s: %v", ErrProcessing, o.OrderID, err)
		}
		return nil

	case domain.KindTyping:
		p.logger.Debug("[PIPELINE] Counterpart typing", "conversation_id", ev.Typing.ConversationID)
		return nil

	default:
		p.ignored.Add(1)
		reason := ""
		if ev.Ignored != nil {
			reason = ev.Ignored.Reason
		}
		p.logger.Debug("[PIPELINE] Payload ignored", "reason", reason)
		return nil
	}
}

func (p *Pipeline) routeChat(ctx context.Context, msg domain.ChatMessage) {
	if IsStale(msg.CreatedAtMs, p.now(), p.staleAfter) {
		p.stale.Add(1)
		p.logger.Debug("[PIPELINE] Stale chat message dropped",
			"conversation_id", msg.ConversationID,
			"created_at_ms", msg.CreatedAtMs,
		)
		return
	}

	if p.locator != nil && msg.ClientIP != "" {
		loc, err := p.locator.Lookup(ctx, msg.ClientIP)
		if err != nil {
			p.logger.Debug("[PIPELINE] GeoIP lookup failed", "ip", msg.ClientIP, "error", err)
		} else {
			msg.Country = loc.Country
			msg.City = loc.Region
		}
	}

	p.publish(ctx, events.TypeChatReceived, msg)
	p.chats.Add(msg)
}

func (p *Pipeline) publish(ctx context.Context, eventType string, data any) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, events.NewEnvelope(eventType, data)); err != nil {
		p.logger.Warn("[PIPELINE] Event publish failed", "type", eventType, "error", err)
	}
}

// IsStale reports whether a message created at createdAtMs is older than
// window relative to now.
func IsStale(createdAtMs int64, now time.Time, window time.Duration) bool {
	return now.UnixMilli()-createdAtMs > window.Milliseconds()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Dropped:   p.dropped.Load(),
		Stale:     p.stale.Load(),
		Ignored:   p.ignored.Load(),
	}
}
