package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/goofish-agent/internal/aggregator"
	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/ashureev/goofish-agent/internal/orders"
	"github.com/ashureev/goofish-agent/internal/pipeline"
	"github.com/ashureev/goofish-agent/internal/queue"
	"github.com/ashureev/goofish-agent/internal/session"
	"github.com/ashureev/goofish-agent/internal/worker"
	"github.com/go-chi/chi/v5"
)

const (
	healthCheckTimeout = 5 * time.Second
	defaultListLimit   = 20
	maxListLimit       = 200
)

// Sources are the components whose counters the status endpoint reports.
// Nil fields are omitted.
type Sources struct {
	Session    SessionStats
	Queue      QueueInspector
	Workers    WorkerStats
	Pipeline   PipelineStats
	Aggregator AggregatorStats
	Orders     OrderStats
}

// SessionStats reports connection lifecycle counters.
type SessionStats interface {
	Stats() session.SupervisorStats
}

// WorkerStats reports worker pool counters.
type WorkerStats interface {
	Stats() worker.Stats
}

// PipelineStats reports classification counters.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// AggregatorStats reports batching counters.
type AggregatorStats interface {
	Stats() aggregator.Stats
}

// OrderStats reports order tracking counters.
type OrderStats interface {
	Stats() orders.Stats
}

// QueueInspector reads queue depths and dead letters.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.Entry, error)
}

// OrderReader is the read side of the order store.
type OrderReader interface {
	GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, bool, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]domain.OrderTransition, error)
	GetOrderMessages(ctx context.Context, orderID string, limit int) ([]domain.OrderMessage, error)
	GetChatMessages(ctx context.Context, orderID string, limit int) ([]domain.StoredMessage, error)
}

// Pinger is a dependency the readiness check verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves /api/stats, /api/ready, /api/dead-letters and
// /api/orders/{orderID}.
type StatusHandler struct {
	src    Sources
	orders OrderReader
	checks map[string]Pinger
	logger *slog.Logger
}

// NewStatusHandler creates a status handler. checks are pinged by the
// readiness endpoint, keyed by the name reported in the response.
func NewStatusHandler(src Sources, orders OrderReader, checks map[string]Pinger, logger *slog.Logger) *StatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{src: src, orders: orders, checks: checks, logger: logger}
}

// RegisterRoutes registers status routes.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Get("/ready", h.Ready)
		r.Get("/dead-letters", h.DeadLetters)
		r.Get("/orders/{orderID}", h.Order)
	})
}

// Stats reports every component's counters.
func (h *StatusHandler) Stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if h.src.Session != nil {
		out["session"] = h.src.Session.Stats()
	}
	if h.src.Queue != nil {
		qs, err := h.src.Queue.Stats(r.Context())
		if err != nil {
			h.logger.Error("Queue stats failed", "error", err)
			Error(w, http.StatusServiceUnavailable, "queue unavailable")
			return
		}
		out["queue"] = qs
	}
	if h.src.Workers != nil {
		out["workers"] = h.src.Workers.Stats()
	}
	if h.src.Pipeline != nil {
		out["pipeline"] = h.src.Pipeline.Stats()
	}
	if h.src.Aggregator != nil {
		out["aggregator"] = h.src.Aggregator.Stats()
	}
	if h.src.Orders != nil {
		out["orders"] = h.src.Orders.Stats()
	}
	JSON(w, http.StatusOK, out)
}

// Ready pings the database and Redis.
func (h *StatusHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Readiness check failed", "check", name, "error", err)
			checks[name] = "unreachable"
			status["status"] = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, status)
}

// DeadLetters lists the most recently dead-lettered entries.
func (h *StatusHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.src.Queue == nil {
		Error(w, http.StatusNotFound, "queue not configured")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	entries, err := h.src.Queue.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		h.logger.Error("Dead letter listing failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Order reports an order's current status, its transition history, its
// order log and the most recent chat lines.
func (h *StatusHandler) Order(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		Error(w, http.StatusNotFound, "order store not configured")
		return
	}
	orderID := chi.URLParam(r, "orderID")
	limit, ok := parseLimit(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	ctx := r.Context()

	status, found, err := h.orders.GetOrderStatus(ctx, orderID)
	if err != nil {
		h.internalError(w, "order status", orderID, err)
		return
	}
	history, err := h.orders.GetOrderHistory(ctx, orderID)
	if err != nil {
		h.internalError(w, "order history", orderID, err)
		return
	}
	notes, err := h.orders.GetOrderMessages(ctx, orderID, limit)
	if err != nil {
		h.internalError(w, "order messages", orderID, err)
		return
	}
	chat, err := h.orders.GetChatMessages(ctx, orderID, limit)
	if err != nil {
		h.internalError(w, "chat messages", orderID, err)
		return
	}

	if !found && len(chat) == 0 {
		Error(w, http.StatusNotFound, "order not found")
		return
	}

	resp := map[string]any{
		"orderId":  orderID,
		"history":  history,
		"messages": notes,
		"chat":     chat,
	}
	if found {
		resp["status"] = status
	}
	JSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) internalError(w http.ResponseWriter, what, orderID string, err error) {
	h.logger.Error("Order lookup failed", "what", what, "order_id", orderID, "error", err)
	Error(w, http.StatusInternalServerError, "failed to load order")
}

func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}
