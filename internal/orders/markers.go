package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultMarkerTTL = 10 * time.Second
	DefaultDedupeTTL = 10 * time.Minute

	scanBatch = 100
)

// markScript creates the wait-ship marker unless one is live or a nudge
// for the order was sent recently.
var markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`)

// Markers stores reconciliation markers in Redis. A marker is a key with a
// short expiry; a second "nudged" key guards against repeat nudges after
// the marker has been consumed.
type Markers struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	dedupeTTL time.Duration
}

// NewMarkers creates a marker store under prefix.
func NewMarkers(client redis.UniversalClient, prefix string, ttl, dedupeTTL time.Duration) *Markers {
	if ttl < time.Millisecond {
		ttl = DefaultMarkerTTL
	}
	if dedupeTTL <= 0 {
		dedupeTTL = DefaultDedupeTTL
	}
	return &Markers{client: client, prefix: prefix, ttl: ttl, dedupeTTL: dedupeTTL}
}

func (m *Markers) markerKey(orderID string) string {
	return m.prefix + ":order_wait_ship:" + orderID
}

func (m *Markers) nudgedKey(orderID string) string {
	return m.prefix + ":order_nudged:" + orderID
}

// Mark creates the marker for orderID. created is false when a marker is
// already live or the order was nudged within the dedupe window.
func (m *Markers) Mark(ctx context.Context, orderID string, observedAtMs int64) (created bool, err error) {
	n, err := markScript.Run(ctx, m.client,
		[]string{m.markerKey(orderID), m.nudgedKey(orderID)},
		observedAtMs, m.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark order %s: %w", orderID, err)
	}
	return n == 1, nil
}

// Pending lists order ids with a live marker.
func (m *Markers) Pending(ctx context.Context) ([]string, error) {
	prefix := m.markerKey("")
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan markers: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// Claim deletes the marker. It reports false when the marker already
// expired or another reconciler took it.
func (m *Markers) Claim(ctx context.Context, orderID string) (bool, error) {
	n, err := m.client.Del(ctx, m.markerKey(orderID)).Result()
	if err != nil {
		return false, fmt.Errorf("claim marker %s: %w", orderID, err)
	}
	return n == 1, nil
}

// MarkNudged records that the order was nudged.
func (m *Markers) MarkNudged(ctx context.Context, orderID string) error {
	if err := m.client.Set(ctx, m.nudgedKey(orderID), 1, m.dedupeTTL).Err(); err != nil {
		return fmt.Errorf("mark nudged %s: %w", orderID, err)
	}
	return nil
}
