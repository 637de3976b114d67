// Package aggregator batches chat messages per conversation and answers
// each batch with a single reply.
package aggregator

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/ashureev/goofish-agent/internal/events"
	"github.com/ashureev/goofish-agent/internal/transcript"
)

const (
	DefaultWindow        = 5 * time.Second
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultHistoryLimit  = 5

	historyPrefix = "[历史消息] "
)

// Replier produces the reply text for a transcript. It never fails; errors
// are replaced by a fallback string.
type Replier interface {
	Generate(ctx context.Context, message, identity, conversationID string) string
}

// Sender delivers a reply into a conversation.
type Sender interface {
	SendChat(ctx context.Context, conversationID, recipientID, text string) error
}

// Store is the slice of the storage collaborator the aggregator needs.
type Store interface {
	SaveChatMessage(ctx context.Context, msg domain.StoredMessage) error
	GetChatMessages(ctx context.Context, conversationID string, limit int) ([]domain.StoredMessage, error)
}

// Config tunes batching. Zero values select the defaults.
type Config struct {
	Window        time.Duration
	FlushInterval time.Duration
	HistoryLimit  int
	// SelfID is stored as the local id of every persisted line.
	SelfID string
}

// Stats counts aggregator activity.
type Stats struct {
	OpenWindows int   `json:"openWindows"`
	Buffered    int64 `json:"buffered"`
	Flushed     int64 `json:"flushed"`
	Replies     int64 `json:"replies"`
	SendErrors  int64 `json:"sendErrors"`
}

type pending struct {
	msg domain.ChatMessage
	seq int
}

type window struct {
	conversationID string
	firstSeen      time.Time

	mu     sync.Mutex
	buf    []pending
	seq    int
	closed bool
}

// Aggregator owns every open conversation window.
type Aggregator struct {
	cfg       Config
	store     Store
	replier   Replier
	sender    Sender
	publisher events.Publisher
	log       transcript.Logger
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	flushing map[string]bool

	wg         sync.WaitGroup
	buffered   atomic.Int64
	flushed    atomic.Int64
	replies    atomic.Int64
	sendErrors atomic.Int64
}

// New creates an aggregator.
func New(cfg Config, store Store, replier Replier, sender Sender, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Aggregator{
		cfg:      cfg,
		store:    store,
		replier:  replier,
		sender:   sender,
		log:      transcript.Nop{},
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string]*window),
		flushing: make(map[string]bool),
	}
}

// SetPublisher enables reply-sent events.
func (a *Aggregator) SetPublisher(p events.Publisher) {
	a.publisher = p
}

// SetTranscript records every answered batch to l.
func (a *Aggregator) SetTranscript(l transcript.Logger) {
	a.log = l
}

// Add appends msg to its conversation window, opening one if needed. It is
// safe to call from any number of workers.
func (a *Aggregator) Add(msg domain.ChatMessage) {
	for {
		w := a.windowFor(msg.ConversationID)

		w.mu.Lock()
		if w.closed {
			// Drained between lookup and append; open a fresh window.
			w.mu.Unlock()
			continue
		}
		w.seq++
		w.buf = append(w.buf, pending{msg: msg, seq: w.seq})
		w.mu.Unlock()

		a.buffered.Add(1)
		return
	}
}

func (a *Aggregator) windowFor(conversationID string) *window {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[conversationID]
	if !ok {
		w = &window{conversationID: conversationID, firstSeen: a.now()}
		a.windows[conversationID] = w
	}
	return w
}

// Run flushes due windows every flush interval until ctx is cancelled, then
// waits for flushes already started and persists windows that were still
// open. Those messages are stored without a reply.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	a.logger.Info("[AGGREGATOR] Flush loop started", "window", a.cfg.Window, "interval", a.cfg.FlushInterval)

	for {
		select {
		case <-ticker.C:
			a.flushDue(ctx, a.now())
		case <-ctx.Done():
			a.wg.Wait()
			a.persistOpen(context.WithoutCancel(ctx))
			a.logger.Info("[AGGREGATOR] Flush loop stopped", "reason", ctx.Err())
			return
		}
	}
}

// flushDue starts a flush for every window at least one window old. A
// conversation whose previous flush is still running keeps its window open
// until the next tick.
func (a *Aggregator) flushDue(ctx context.Context, now time.Time) {
	for _, w := range a.collectDue(now) {
		a.wg.Add(1)
		go func(w *window) {
			defer a.wg.Done()
			a.flush(context.WithoutCancel(ctx), w)
		}(w)
	}
}

func (a *Aggregator) collectDue(now time.Time) []*window {
	a.mu.Lock()
	defer a.mu.Unlock()

	var due []*window
	for id, w := range a.windows {
		if a.flushing[id] || now.Sub(w.firstSeen) < a.cfg.Window {
			continue
		}
		delete(a.windows, id)
		a.flushing[id] = true
		due = append(due, w)
	}
	return due
}

// persistOpen stores the messages of every open window. Their queue
// entries are already complete, so this is the last chance to keep them.
func (a *Aggregator) persistOpen(ctx context.Context) {
	a.mu.Lock()
	open := make([]*window, 0, len(a.windows))
	for id, w := range a.windows {
		delete(a.windows, id)
		open = append(open, w)
	}
	a.mu.Unlock()

	for _, w := range open {
		msgs := a.drain(w)
		if len(msgs) == 0 {
			continue
		}
		a.buffered.Add(-int64(len(msgs)))
		a.saveInbound(ctx, w.conversationID, msgs)
		a.logger.Info("[AGGREGATOR] Open window persisted without reply",
			"conversation_id", w.conversationID, "messages", len(msgs))
	}
}

func (a *Aggregator) finishFlush(conversationID string) {
	a.mu.Lock()
	delete(a.flushing, conversationID)
	a.mu.Unlock()
}

func (a *Aggregator) drain(w *window) []domain.ChatMessage {
	w.mu.Lock()
	w.closed = true
	buf := w.buf
	w.buf = nil
	w.mu.Unlock()

	sort.SliceStable(buf, func(i, j int) bool {
		if buf[i].msg.CreatedAtMs != buf[j].msg.CreatedAtMs {
			return buf[i].msg.CreatedAtMs < buf[j].msg.CreatedAtMs
		}
		return buf[i].seq < buf[j].seq
	})

	out := make([]domain.ChatMessage, len(buf))
	for i, p := range buf {
		out[i] = p.msg
	}
	return out
}

func (a *Aggregator) flush(ctx context.Context, w *window) {
	defer a.finishFlush(w.conversationID)

	msgs := a.drain(w)
	if len(msgs) == 0 {
		a.logger.Debug("[AGGREGATOR] Empty window dropped", "conversation_id", w.conversationID)
		return
	}
	a.buffered.Add(-int64(len(msgs)))
	a.flushed.Add(1)

	id := w.conversationID
	history, err := a.store.GetChatMessages(ctx, id, a.cfg.HistoryLimit)
	if err != nil {
		a.logger.Warn("[AGGREGATOR] History unavailable, replying without it",
			"conversation_id", id, "error", err)
		history = nil
	}

	last := msgs[len(msgs)-1]
	reply := a.replier.Generate(ctx, Transcript(history, msgs), last.SenderID, id)

	a.saveInbound(ctx, id, msgs)
	a.save(ctx, domain.StoredMessage{
		UserID:   last.SenderID,
		UserName: domain.SelfUserName,
		LocalID:  a.cfg.SelfID,
		Text:     reply,
		TimeMs:   a.now().UnixMilli(),
		URL:      last.SourceURL,
		OrderID:  id,
	})

	a.log.Log(transcript.Event{
		ConversationID: id,
		Direction:      transcript.Outbound,
		Kind:           "reply",
		UserID:         last.SenderID,
		UserName:       domain.SelfUserName,
		Content:        reply,
	})

	if err := a.sender.SendChat(ctx, id, last.SenderID, reply); err != nil {
		// The session may be between connections; the reply is persisted.
		a.sendErrors.Add(1)
		a.logger.Warn("[AGGREGATOR] Reply send failed", "conversation_id", id, "error", err)
		return
	}
	a.replies.Add(1)
	a.logger.Info("[AGGREGATOR] Batch answered",
		"conversation_id", id,
		"messages", len(msgs),
		"history", len(history),
	)

	if a.publisher != nil {
		env := events.NewEnvelope(events.TypeReplySent, map[string]any{
			"conversationId": id,
			"recipientId":    last.SenderID,
			"messages":       len(msgs),
			"reply":          reply,
		})
		if err := a.publisher.Publish(ctx, events.TypeReplySent, env); err != nil {
			a.logger.Warn("[AGGREGATOR] Event publish failed", "error", err)
		}
	}
}

// saveInbound persists and transcribes a drained batch.
func (a *Aggregator) saveInbound(ctx context.Context, id string, msgs []domain.ChatMessage) {
	for _, m := range msgs {
		a.save(ctx, domain.StoredMessage{
			UserID:   m.SenderID,
			UserName: m.SenderName,
			LocalID:  a.cfg.SelfID,
			Text:     m.Text,
			TimeMs:   m.CreatedAtMs,
			URL:      m.SourceURL,
			OrderID:  id,
		})
	}
	for _, m := range msgs {
		a.log.Log(transcript.Event{
			ConversationID: id,
			Direction:      transcript.Inbound,
			Kind:           string(m.ContentType),
			UserID:         m.SenderID,
			UserName:       m.SenderName,
			Content:        m.Text,
		})
	}
}

func (a *Aggregator) save(ctx context.Context, m domain.StoredMessage) {
	if err := a.store.SaveChatMessage(ctx, m); err != nil {
		a.logger.Warn("[AGGREGATOR] Failed to persist chat message",
			"conversation_id", m.OrderID, "user_name", m.UserName, "error", err)
	}
}

// Transcript renders persisted history followed by the new batch, one
// "name: text" line each.
func Transcript(history []domain.StoredMessage, batch []domain.ChatMessage) string {
	lines := make([]string, 0, len(history)+len(batch))
	for _, h := range history {
		lines = append(lines, historyPrefix+h.UserName+": "+h.Text)
	}
	for _, m := range batch {
		lines = append(lines, m.SenderName+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

// Stats returns a snapshot of aggregator counters.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	open := len(a.windows)
	a.mu.Unlock()
	return Stats{
		OpenWindows: open,
		Buffered:    a.buffered.Load(),
		Flushed:     a.flushed.Load(),
		Replies:     a.replies.Load(),
		SendErrors:  a.sendErrors.Load(),
	}
}
