// Package orders records order status transitions and sends the one-off
// "payment received" nudge for orders awaiting shipment.
package orders

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/ashureev/goofish-agent/internal/transcript"
)

const (
	DefaultReconcileInterval = 10 * time.Second

	// ShipmentNotice is sent to buyers once payment has been received.
	ShipmentNotice = "您的订单已付款，卖家会尽快发货，请耐心等待。"
)

// Store is the slice of the storage collaborator the tracker needs.
type Store interface {
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error
	SaveOrderMessage(ctx context.Context, msg domain.OrderMessage) error
	SaveChatMessage(ctx context.Context, msg domain.StoredMessage) error
	GetChatMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error)
}

// Replier produces reply text; see agent.Service.
type Replier interface {
	Generate(ctx context.Context, message, identity, conversationID string) string
}

// Sender delivers a reply into a conversation.
type Sender interface {
	SendChat(ctx context.Context, conversationID, recipientID, text string) error
}

// Stats counts tracker activity.
type Stats struct {
	Transitions int64 `json:"transitions"`
	Marked      int64 `json:"marked"`
	Nudged      int64 `json:"nudged"`
	Discarded   int64 `json:"discarded"`
}

// Tracker implements the order side of the pipeline.
type Tracker struct {
	store    Store
	markers  *Markers
	replier  Replier
	sender   Sender
	interval time.Duration
	selfID   string
	log      transcript.Logger
	logger   *slog.Logger
	now      func() time.Time

	transitions atomic.Int64
	marked      atomic.Int64
	nudged      atomic.Int64
	discarded   atomic.Int64
}

// New creates a tracker.
func New(store Store, markers *Markers, replier Replier, sender Sender, interval time.Duration, selfID string, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Tracker{
		store:    store,
		markers:  markers,
		replier:  replier,
		sender:   sender,
		interval: interval,
		selfID:   selfID,
		log:      transcript.Nop{},
		logger:   logger,
		now:      time.Now,
	}
}

// SetTranscript records every nudge to l.
func (t *Tracker) SetTranscript(l transcript.Logger) {
	t.log = l
}

// HandleStatus records a transition. Storage failures are logged and
// skipped; a marker that cannot be written is returned as an error so the
// frame is redelivered.
func (t *Tracker) HandleStatus(ctx context.Context, ev domain.OrderStatusEvent) error {
	t.transitions.Add(1)

	if err := t.store.UpdateOrderStatus(ctx, ev.OrderID, ev.Status); err != nil {
		t.logger.Warn("[ORDERS] Failed to persist status", "order_id", ev.OrderID, "status", ev.Status, "error", err)
	}
	notice := domain.OrderMessage{OrderID: ev.OrderID, Message: ev.Status.Notice(), TimeMs: ev.ObservedAtMs}
	if err := t.store.SaveOrderMessage(ctx, notice); err != nil {
		t.logger.Warn("[ORDERS] Failed to persist order message", "order_id", ev.OrderID, "error", err)
	}
	t.logger.Info("[ORDERS] Order status changed", "order_id", ev.OrderID, "status", ev.Status, "notice", notice.Message)

	if ev.Status != domain.OrderAwaitingShipment {
		return nil
	}

	created, err := t.markers.Mark(ctx, ev.OrderID, ev.ObservedAtMs)
	if err != nil {
		return err
	}
	if created {
		t.marked.Add(1)
	} else {
		t.logger.Debug("[ORDERS] Shipment nudge already scheduled or sent", "order_id", ev.OrderID)
	}
	return nil
}

// Run reconciles markers every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	t.logger.Info("[ORDERS] Reconcile loop started", "interval", t.interval)

	for {
		select {
		case <-ticker.C:
			t.Reconcile(ctx)
		case <-ctx.Done():
			t.logger.Info("[ORDERS] Reconcile loop stopped", "reason", ctx.Err())
			return
		}
	}
}

// Reconcile processes every live marker once.
func (t *Tracker) Reconcile(ctx context.Context) {
	ids, err := t.markers.Pending(ctx)
	if err != nil {
		t.logger.Error("[ORDERS] Failed to list markers", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		t.reconcileOrder(ctx, id)
	}
}

func (t *Tracker) reconcileOrder(ctx context.Context, orderID string) {
	msgs, err := t.store.GetChatMessages(ctx, orderID, 1)
	if err != nil {
		// Left in place; retried next tick while the marker lives.
		t.logger.Warn("[ORDERS] Chat lookup failed", "order_id", orderID, "error", err)
		return
	}

	claimed, err := t.markers.Claim(ctx, orderID)
	if err != nil {
		t.logger.Warn("[ORDERS] Marker claim failed", "order_id", orderID, "error", err)
		return
	}
	if !claimed {
		return
	}

	if len(msgs) == 0 {
		t.discarded.Add(1)
		t.logger.Warn("[ORDERS] No chat history for order, nudge discarded", "order_id", orderID)
		return
	}

	if err := t.markers.MarkNudged(ctx, orderID); err != nil {
		t.logger.Warn("[ORDERS] Failed to record nudge", "order_id", orderID, "error", err)
	}

	latest := msgs[len(msgs)-1]
	recipient := latest.UserID
	localID := latest.LocalID
	if localID == "" {
		localID = t.selfID
	}

	reply := t.replier.Generate(ctx, ShipmentNotice, recipient, orderID)
	if err := t.store.SaveChatMessage(ctx, domain.StoredMessage{
		UserID:   recipient,
		UserName: domain.SelfUserName,
		LocalID:  localID,
		Text:     reply,
		TimeMs:   t.now().UnixMilli(),
		OrderID:  orderID,
	}); err != nil {
		t.logger.Warn("[ORDERS] Failed to persist nudge", "order_id", orderID, "error", err)
	}

	t.log.Log(transcript.Event{
		ConversationID: orderID,
		Direction:      transcript.Outbound,
		Kind:           "shipment_nudge",
		UserID:         recipient,
		UserName:       domain.SelfUserName,
		Content:        reply,
	})

	if err := t.sender.SendChat(ctx, orderID, recipient, reply); err != nil {
		t.logger.Warn("[ORDERS] Nudge send failed", "order_id", orderID, "error", err)
		return
	}
	t.nudged.Add(1)
	t.logger.Info("[ORDERS] Shipment nudge sent", "order_id", orderID, "recipient_id", recipient)
}

// Stats returns a snapshot of tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Transitions: t.transitions.Load(),
		Marked:      t.marked.Load(),
		Nudged:      t.nudged.Load(),
		Discarded:   t.discarded.Load(),
	}
}
