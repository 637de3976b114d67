// Package transcript keeps a per-conversation NDJSON log of everything the
// agent read and sent.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultQueueSize = 1000

	closeTimeout = 5 * time.Second
	slowWrite    = 100 * time.Millisecond
)

// Directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Event is one logged line.
type Event struct {
	Time           time.Time `json:"time"`
	ConversationID string    `json:"conversationId"`
	Direction      string    `json:"direction"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"userId,omitempty"`
	UserName       string    `json:"userName,omitempty"`
	Content        string    `json:"content"`
}

// Logger records transcript events. Log never blocks the caller.
type Logger interface {
	Log(ev Event)
	Close() error
}

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(Event)    {}
func (Nop) Close() error { return nil }

// FileLogger appends events to <dir>/<conversation>.ndjson from a single
// background goroutine.
type FileLogger struct {
	dir     string
	events  chan Event
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	dropped atomic.Int64
	once    sync.Once
}

// NewLogger returns a FileLogger, or Nop when logging is disabled.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &FileLogger{
		dir:    cfg.Dir,
		events: make(chan Event, cfg.QueueSize),
		stop:   make(chan struct{}),
		logger: logger,
	}
	l.wg.Add(1)
	go l.process()
	return l, nil
}

// Log queues ev. When the queue is full the oldest queued event is dropped.
func (l *FileLogger) Log(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	select {
	case <-l.stop:
		return
	default:
	}

	select {
	case l.events <- ev:
		return
	default:
	}

	select {
	case <-l.events:
		l.dropped.Add(1)
	default:
	}
	select {
	case l.events <- ev:
	default:
		l.dropped.Add(1)
		l.logger.Warn("[TRANSCRIPT] Queue full, event dropped", "conversation_id", ev.ConversationID)
	}
}

func (l *FileLogger) process() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.events:
			l.write(ev)
		case <-l.stop:
			// Flush what is already queued.
			for {
				select {
				case ev := <-l.events:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *FileLogger) write(ev Event) {
	start := time.Now()
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("[TRANSCRIPT] Marshal failed", "error", err)
		return
	}

	path := filepath.Join(l.dir, fileName(ev.ConversationID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		l.logger.Error("[TRANSCRIPT] Open failed", "path", path, "error", err)
		return
	}
	_, err = f.Write(append(line, '\n'))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		l.logger.Error("[TRANSCRIPT] Write failed", "path", path, "error", err)
	}

	if d := time.Since(start); d > slowWrite {
		l.logger.Warn("[TRANSCRIPT] Slow write", "path", path, "duration_ms", d.Milliseconds())
	}
}

// fileName maps a conversation id to a safe file name.
func fileName(conversationID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, conversationID)
	if name == "" {
		name = "unknown"
	}
	return name + ".ndjson"
}

// Close flushes queued events and stops the writer, waiting at most a few
// seconds.
func (l *FileLogger) Close() error {
	l.once.Do(func() { close(l.stop) })

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if n := l.dropped.Load(); n > 0 {
			l.logger.Warn("[TRANSCRIPT] Closed with dropped events", "count", n)
		}
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("transcript writer did not stop within %s", closeTimeout)
	}
}

// Dropped reports how many events were discarded under backpressure.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}
