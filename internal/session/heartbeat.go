package session

import (
	"sync"
	"time"

	"github.com/ashureev/goofish-agent/internal/codec"
)

// heartbeat tracks liveness of one connection. It is driven by explicit
// timestamps so the schedule can be checked without a real clock.
type heartbeat struct {
	mu          sync.Mutex
	interval    time.Duration
	timeout     time.Duration
	lastSent    time.Time
	lastAck     time.Time
	outstanding map[string]time.Time
	newMID      func() string
}

func newHeartbeat(interval, timeout time.Duration, start time.Time) *heartbeat {
	return &heartbeat{
		interval:    interval,
		timeout:     timeout,
		lastAck:     start,
		outstanding: make(map[string]time.Time),
		newMID:      codec.NewMID,
	}
}

// check decides what to do at now. It returns the id of a heartbeat to
// send, if one is due, and whether the connection should be declared dead.
func (h *heartbeat) check(now time.Time) (mid string, dead bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Sub(h.lastAck) >= h.interval+h.timeout {
		return "", true
	}

	for id, sent := range h.outstanding {
		if now.Sub(sent) > h.interval+h.timeout {
			delete(h.outstanding, id)
		}
	}

	if h.lastSent.IsZero() || now.Sub(h.lastSent) >= h.interval {
		mid = h.newMID()
		h.lastSent = now
		h.outstanding[mid] = now
	}
	return mid, false
}

// ack records an acknowledgement. It reports whether mid matched an
// outstanding heartbeat.
func (h *heartbeat) ack(mid string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.outstanding[mid]; !ok {
		return false
	}
	delete(h.outstanding, mid)
	h.lastAck = now
	return true
}

// overdue reports whether an ack is late but the connection is not yet dead.
func (h *heartbeat) overdue(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastAck) > h.interval
}
