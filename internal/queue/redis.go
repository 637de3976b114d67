package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on three Redis lists. Producers LPUSH onto the
// visible list and consumers pop from its right end, so it drains oldest
// first.
type RedisQueue struct {
	client      redis.UniversalClient
	visible     string
	processing  string
	dead        string
	maxAttempts int
	now         func() time.Time
}

// NewRedisQueue creates a queue whose keys share prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, maxAttempts int) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RedisQueue{
		client:      client,
		visible:     prefix + ":messages",
		processing:  prefix + ":processing",
		dead:        prefix + ":dead",
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, frame []byte) error {
	data, err := json.Marshal(Entry{Frame: string(frame), EnqueuedAt: q.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := q.client.LPush(ctx, q.visible, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Claim implements Queue.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (*Entry, error) {
	raw, err := q.client.BRPopLPush(ctx, q.visible, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	e := decodeEntry(raw)
	return &e, nil
}

// decodeEntry parses a list element. Elements that are not entry envelopes
// are treated as bare frames pushed by older producers.
func decodeEntry(raw string) Entry {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Frame == "" {
		e = Entry{Frame: raw}
	}
	e.raw = raw
	return e
}

// Complete implements Queue.
func (q *RedisQueue) Complete(ctx context.Context, e *Entry) error {
	if err := q.client.LRem(ctx, q.processing, 1, e.raw).Err(); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Release implements Queue. The requeue and the in-flight removal happen in
// one MULTI so the entry is never in both lists nor in neither.
func (q *RedisQueue) Release(ctx context.Context, e *Entry, cause error) (bool, error) {
	next := *e
	next.Attempts++
	if cause != nil {
		next.LastError = cause.Error()
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal entry: %w", err)
	}

	target := q.visible
	dead := next.Attempts >= q.maxAttempts
	if dead {
		target = q.dead
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, target, data)
		pipe.LRem(ctx, q.processing, 1, e.raw)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("release: %w", err)
	}
	e.Attempts = next.Attempts
	e.LastError = next.LastError
	return dead, nil
}

// Recover implements Queue.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.visible).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight: %w", err)
		}
		moved++
	}
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var visible, processing, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		visible = pipe.LLen(ctx, q.visible)
		processing = pipe.LLen(ctx, q.processing)
		dead = pipe.LLen(ctx, q.dead)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Visible:    visible.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns up to limit dead-lettered entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]Entry, error) {
	raws, err := q.client.LRange(ctx, q.dead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		out = append(out, decodeEntry(raw))
	}
	return out, nil
}
