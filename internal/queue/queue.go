// Package queue provides the durable at-least-once work queue that decouples
// frame arrival from frame handling.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxAttempts is how many failed deliveries an entry survives before
// it is dead-lettered.
const DefaultMaxAttempts = 5

// ErrEmpty is returned by Claim when no entry arrived within the timeout.
var ErrEmpty = errors.New("queue empty")

// Entry is one queued raw frame.
type Entry struct {
	Frame      string    `json:"frame"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"lastError,omitempty"`

	// raw is the exact serialized form held in the processing list.
	raw string
}

// Stats reports list depths.
type Stats struct {
	Visible    int64 `json:"visible"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Queue is a reliable FIFO with a visible/in-flight split. Claimed entries
// stay recoverable until Complete or Release is called.
type Queue interface {
	Enqueue(ctx context.Context, frame []byte) error
	// Claim atomically moves the oldest visible entry to the in-flight list.
	// It returns ErrEmpty when nothing arrives within timeout.
	Claim(ctx context.Context, timeout time.Duration) (*Entry, error)
	// Complete removes an in-flight entry.
	Complete(ctx context.Context, e *Entry) error
	// Release requeues an in-flight entry at the tail of the visible list, or
	// moves it to the dead-letter list once it has used up its attempts.
	Release(ctx context.Context, e *Entry, cause error) (deadLettered bool, err error)
	// Recover moves entries orphaned in the in-flight list back to the
	// visible list. Only safe when no consumer is running.
	Recover(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}
