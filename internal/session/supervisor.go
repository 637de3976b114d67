package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/identity"
)

// DefaultReconnectDelay is the pause between a session ending and the next
// connection attempt.
const DefaultReconnectDelay = 5 * time.Second

// SupervisorStats is a point-in-time view of the connection lifecycle.
type SupervisorStats struct {
	State    string `json:"state"`
	Connects int64  `json:"connects"`
	Restarts int64  `json:"restarts"`
	DeviceID string `json:"deviceId"`
}

// Supervisor keeps one session alive, reconnecting after every failure.
// Replies are sent through whichever session is current.
type Supervisor struct {
	cfg            Config
	tokens         identity.TokenSource
	queue          Enqueuer
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu       sync.RWMutex
	id       identity.Identity
	current  *Session
	connects atomic.Int64
	restarts atomic.Int64
}

// NewSupervisor creates a supervisor. Inbound sync packages go to q.
func NewSupervisor(cfg Config, id identity.Identity, tokens identity.TokenSource, q Enqueuer, reconnectDelay time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Supervisor{
		cfg:            cfg,
		tokens:         tokens,
		queue:          q,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		id:             id,
	}
}

// Run connects and reconnects until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("[SESSION] Supervisor started")
	defer s.logger.Info("[SESSION] Supervisor stopped")

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, identity.ErrHandshakeFatal) {
			// A fresh device id is what a full restart would have produced.
			s.restarts.Add(1)
			s.mu.Lock()
			s.id.DeviceID = identity.NewDeviceID(s.id.SelfID)
			s.mu.Unlock()
			s.logger.Error("[SESSION] Handshake failed fatally, restarting session", "error", err)
		} else {
			s.logger.Warn("[SESSION] Connection lost, reconnecting", "error", err, "delay", s.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) error {
	s.mu.RLock()
	id := s.id
	s.mu.RUnlock()

	token, err := s.tokens.AccessToken(ctx, id)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	sess, err := Dial(ctx, s.cfg, id, s.logger)
	if err != nil {
		return err
	}
	s.connects.Add(1)
	s.setCurrent(sess)
	defer func() {
		s.setCurrent(nil)
		_ = sess.Close()
	}()

	if err := sess.Register(ctx, token); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return sess.Run(ctx, s.queue)
}

func (s *Supervisor) setCurrent(sess *Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

// SelfID returns the local account id.
func (s *Supervisor) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id.SelfID
}

// SendChat sends text through the current session. It returns
// ErrNotConnected between sessions.
func (s *Supervisor) SendChat(ctx context.Context, conversationID, recipientID, text string) error {
	s.mu.RLock()
	sess := s.current
	s.mu.RUnlock()

	if sess == nil {
		return ErrNotConnected
	}
	return sess.SendChat(ctx, conversationID, recipientID, text)
}

// State returns the state of the current session.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return StateConnecting
	}
	return s.current.State()
}

// Stats returns lifecycle counters.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.RLock()
	deviceID := s.id.DeviceID
	s.mu.RUnlock()
	return SupervisorStats{
		State:    s.State().String(),
		Connects: s.connects.Load(),
		Restarts: s.restarts.Load(),
		DeviceID: deviceID,
	}
}
