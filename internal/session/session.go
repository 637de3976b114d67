// Package session owns the duplex connection to the messaging backend:
// registration, per-frame acknowledgement, heartbeats and reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/goofish-agent/internal/codec"
	"github.com/ashureev/goofish-agent/internal/identity"
	"github.com/coder/websocket"
)

const (
	DefaultURL               = "wss://wss-goofish.dingtalk.com/"
	DefaultOrigin            = "https://www.goofish.com"
	DefaultUserAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 5 * time.Second
	DefaultRegisterGrace     = time.Second

	readLimit = 16 << 20
)

var (
	// ErrTransport marks a broken or closed connection.
	ErrTransport = errors.New("transport failure")

	// ErrLivenessTimeout is returned when heartbeats go unacknowledged.
	ErrLivenessTimeout = errors.New("heartbeat acknowledgement timeout")

	// ErrNotConnected is returned by sends while no session is live.
	ErrNotConnected = errors.New("session not connected")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateRegistered
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDegraded:
		return "degraded"
	default:
		return "closed"
	}
}

// Enqueuer accepts sync-package frames for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, frame []byte) error
}

// Config configures connections. Zero durations select the defaults.
type Config struct {
	URL               string
	UserAgent         string
	Origin            string
	AppKey            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RegisterGrace     time.Duration
	CheckInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Origin == "" {
		c.Origin = DefaultOrigin
	}
	if c.AppKey == "" {
		c.AppKey = codec.DefaultAppKey
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RegisterGrace <= 0 {
		c.RegisterGrace = DefaultRegisterGrace
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Second
	}
	return c
}

// Session is one live connection. It is recreated on every reconnect.
type Session struct {
	cfg    Config
	id     identity.Identity
	conn   *websocket.Conn
	hb     *heartbeat
	state  atomic.Int32
	now    func() time.Time
	logger *slog.Logger

	writeMu sync.Mutex
}

// Dial opens the transport connection with the session cookie headers.
func Dial(ctx context.Context, cfg Config, id identity.Identity, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	header := http.Header{}
	header.Set("Cookie", id.Cookies)
	header.Set("User-Agent", cfg.UserAgent)
	header.Set("Origin", cfg.Origin)

	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)

	s := &Session{
		cfg:    cfg,
		id:     id,
		conn:   conn,
		now:    time.Now,
		logger: logger,
	}
	s.hb = newHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatTimeout, s.now())
	s.state.Store(int32(StateConnecting))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Register performs the handshake: the registration frame, a grace period,
// then the sync-status ack.
func (s *Session) Register(ctx context.Context, token string) error {
	reg, err := codec.EncodeRegister(codec.Registration{
		AppKey:   s.cfg.AppKey,
		Token:    token,
		DeviceID: s.id.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("encode register: %w", err)
	}
	if err := s.Send(ctx, reg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RegisterGrace):
	}

	syncAck, err := codec.EncodeSyncAck(s.now())
	if err != nil {
		return fmt.Errorf("encode sync ack: %w", err)
	}
	if err := s.Send(ctx, syncAck); err != nil {
		return err
	}

	s.state.Store(int32(StateRegistered))
	s.logger.Info("Session registered", "device_id", s.id.DeviceID)
	return nil
}

// Send writes one text frame. Writes on the connection are serialized.
func (s *Session) Send(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// SendChat sends a text message into a conversation, addressed to
// recipientID.
func (s *Session) SendChat(ctx context.Context, conversationID, recipientID, text string) error {
	frame, err := codec.EncodeChatSend(conversationID, recipientID, s.id.SelfID, text)
	if err != nil {
		return fmt.Errorf("encode chat send: %w", err)
	}
	return s.Send(ctx, frame)
}

// Run receives frames until the connection fails, the heartbeat declares it
// dead, or ctx ends. The heartbeat loop is stopped and awaited before Run
// returns.
func (s *Session) Run(ctx context.Context, q Enqueuer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbErr := make(chan error, 1)
	go func() {
		err := s.heartbeatLoop(ctx)
		hbErr <- err
		// Unblock the read loop.
		cancel()
	}()

	readErr := s.readLoop(ctx, q)
	cancel()
	herr := <-hbErr

	s.state.Store(int32(StateClosed))
	if errors.Is(herr, ErrLivenessTimeout) || (herr != nil && !errors.Is(herr, context.Canceled)) {
		return herr
	}
	return readErr
}

// Close closes the transport.
func (s *Session) Close() error {
	s.state.Store(int32(StateClosed))
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

func (s *Session) readLoop(ctx context.Context, q Enqueuer) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("%w: closed by peer (%d)", ErrTransport, status)
			}
			return fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		s.handleFrame(ctx, data, q)
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte, q Enqueuer) {
	f, err := codec.Parse(data)
	if err != nil {
		s.logger.Debug("Ignoring non-JSON frame", "error", err)
		return
	}

	kind := codec.Classify(f)
	if kind == codec.KindHeartbeatAck {
		if s.hb.ack(f.Header("mid"), s.now()) {
			if s.State() == StateDegraded {
				s.state.Store(int32(StateRegistered))
			}
			return
		}
		// Responses to our own commands need neither ack nor processing.
		s.logger.Debug("Command response", "mid", f.Header("mid"))
		return
	}

	s.ack(ctx, f)

	if kind != codec.KindSyncPackage {
		return
	}
	if err := q.Enqueue(ctx, data); err != nil {
		s.logger.Error("Failed to enqueue sync package", "mid", f.Header("mid"), "error", err)
	}
}

// ack answers a frame's message id. Failures are logged and swallowed.
func (s *Session) ack(ctx context.Context, f *codec.Frame) {
	frame, err := codec.EncodeAck(f)
	if err != nil || frame == nil {
		return
	}
	if err := s.Send(ctx, frame); err != nil {
		s.logger.Debug("Failed to ack frame", "mid", f.Header("mid"), "error", err)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if err := s.heartbeatStep(ctx, s.now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) heartbeatStep(ctx context.Context, now time.Time) error {
	mid, dead := s.hb.check(now)
	if dead {
		s.logger.Warn("Heartbeat acknowledgement timeout, declaring session dead")
		return ErrLivenessTimeout
	}
	if s.hb.overdue(now) && s.State() == StateRegistered {
		s.state.Store(int32(StateDegraded))
	}
	if mid == "" {
		return nil
	}

	frame, err := codec.EncodeHeartbeat(mid)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if err := s.Send(ctx, frame); err != nil {
		return err
	}
	s.logger.Debug("Heartbeat sent", "mid", mid)
	return nil
}
