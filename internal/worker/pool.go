// Package worker runs the fixed pool of consumers that drain the work queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/events"
	"github.com/ashureev/goofish-agent/internal/queue"
)

const (
	DefaultWorkers     = 10
	DefaultPollTimeout = time.Second
	DefaultGrace       = 5 * time.Second

	claimErrorBackoff = 500 * time.Millisecond
)

// Processor handles one raw frame.
type Processor interface {
	Process(ctx context.Context, raw []byte) error
}

// Config sizes the pool.
type Config struct {
	Workers     int
	PollTimeout time.Duration
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Workers      int   `json:"workers"`
	InFlight     int64 `json:"inFlight"`
	Completed    int64 `json:"completed"`
	Released     int64 `json:"released"`
	DeadLettered int64 `json:"deadLettered"`
}

// Pool claims entries from a queue and hands them to a Processor. Entries
// whose processing fails are released for redelivery.
type Pool struct {
	queue       queue.Queue
	proc        Processor
	workers     int
	pollTimeout time.Duration
	publisher   events.Publisher
	logger      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight     atomic.Int64
	completed    atomic.Int64
	released     atomic.Int64
	deadLettered atomic.Int64
}

// NewPool creates a pool. Zero config values select the defaults.
func NewPool(q queue.Queue, proc Processor, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Pool{
		queue:       q,
		proc:        proc,
		workers:     cfg.Workers,
		pollTimeout: cfg.PollTimeout,
		logger:      logger,
	}
}

// SetPublisher enables dead-letter notifications.
func (p *Pool) SetPublisher(pub events.Publisher) {
	p.publisher = pub
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("[WORKER] Pool started", "workers", p.workers)
}

// Stop signals the workers and waits up to grace for in-flight entries to
// finish. It reports whether every worker exited in time; entries abandoned
// after the grace period stay in the in-flight list for recovery.
func (p *Pool) Stop(grace time.Duration) bool {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return true
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("[WORKER] Pool stopped gracefully")
		return true
	case <-time.After(grace):
		p.logger.Warn("[WORKER] Pool shutdown timeout, abandoning in-flight work",
			"in_flight", p.inFlight.Load(),
		)
		return false
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := p.queue.Claim(ctx, p.pollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("[WORKER] Claim failed", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimErrorBackoff):
			}
			continue
		}

		// In-flight work outlives the shutdown signal; Stop bounds it.
		p.handle(context.WithoutCancel(ctx), id, entry)
	}
}

func (p *Pool) handle(ctx context.Context, id int, entry *queue.Entry) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	if err := p.process(ctx, entry); err != nil {
		p.release(ctx, id, entry, err)
		return
	}

	if err := p.queue.Complete(ctx, entry); err != nil {
		p.logger.Error("[WORKER] Complete failed, entry may be redelivered", "worker", id, "error", err)
		return
	}
	p.completed.Add(1)
}

// process runs the processor, converting a panic into an error so the entry
// is released rather than lost.
func (p *Pool) process(ctx context.Context, entry *queue.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during processing: %v", r)
		}
	}()
	return p.proc.Process(ctx, []byte(entry.Frame))
}

func (p *Pool) release(ctx context.Context, id int, entry *queue.Entry, cause error) {
	dead, err := p.queue.Release(ctx, entry, cause)
	if err != nil {
		p.logger.Error("[WORKER] Release failed, entry left in-flight",
			"worker", id,
			"cause", cause,
			"error", err,
		)
		return
	}
	if !dead {
		p.released.Add(1)
		p.logger.Warn("[WORKER] Processing failed, entry released",
			"worker", id,
			"attempt", entry.Attempts,
			"error", cause,
		)
		return
	}

	p.deadLettered.Add(1)
	p.logger.Error("[WORKER] Entry dead-lettered after repeated failures",
		"worker", id,
		"attempts", entry.Attempts,
		"error", cause,
	)
	if p.publisher != nil {
		env := events.NewEnvelope(events.TypeEntryDeadLetter, map[string]any{
			"attempts":   entry.Attempts,
			"enqueuedAt": entry.EnqueuedAt,
			"lastError":  cause.Error(),
		})
		if err := p.publisher.Publish(ctx, events.TypeEntryDeadLetter, env); err != nil {
			p.logger.Warn("[WORKER] Dead-letter publish failed", "error", err)
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:      p.workers,
		InFlight:     p.inFlight.Load(),
		Completed:    p.completed.Load(),
		Released:     p.released.Load(),
		DeadLettered: p.deadLettered.Load(),
	}
}
