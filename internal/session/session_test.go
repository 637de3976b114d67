package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/goofish-agent/internal/identity"
	"github.com/coder/websocket"
)

type received struct {
	LWP     string            `json:"lwp"`
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// fakeBackend is a websocket server that records client frames and lets
// tests push frames to the live connection.
type fakeBackend struct {
	srv   *httptest.Server
	push  chan []byte
	conns atomic.Int32

	ackHeartbeats     bool
	closeAfterSyncAck bool

	mu     sync.Mutex
	frames []received
	header http.Header
}

func newFakeBackend(t *testing.T, configure func(*fakeBackend)) *fakeBackend {
	t.Helper()
	b := &fakeBackend{push: make(chan []byte, 16)}
	if configure != nil {
		configure(b)
	}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"www.goofish.com"},
	})
	if err != nil {
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(readLimit)

	b.conns.Add(1)
	b.mu.Lock()
	b.header = r.Header.Clone()
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-b.push:
				if err := c.Write(ctx, websocket.MessageText, f); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var f received
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()

		switch {
		case f.LWP == "/!" && b.ackHeartbeats:
			resp := fmt.Sprintf(`{"code":200,"headers":{"mid":%q}}`, f.Headers["mid"])
			_ = c.Write(ctx, websocket.MessageText, []byte(resp))
		case f.LWP == "/r/SyncStatus/ackDiff" && b.closeAfterSyncAck:
			c.Close(websocket.StatusGoingAway, "bye")
			return
		}
	}
}

func (b *fakeBackend) framesFor(lwp string) []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []received
	for _, f := range b.frames {
		if f.LWP == lwp {
			out = append(out, f)
		}
	}
	return out
}

func (b *fakeBackend) ackedMID(mid string) bool {
	for _, f := range b.framesFor("") {
		if f.Code == 200 && f.Headers["mid"] == mid {
			return true
		}
	}
	return false
}

type fakeQueue struct {
	mu     sync.Mutex
	frames []string
}

func (q *fakeQueue) Enqueue(_ context.Context, frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, string(frame))
	return nil
}

func (q *fakeQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.frames...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var testIdentity = identity.Identity{SelfID: "42", DeviceID: "DEVICE-42", Cookies: "unb=42; cna=abc"}

func quietConfig(url string) Config {
	return Config{
		URL:               url,
		RegisterGrace:     20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		CheckInterval:     10 * time.Millisecond,
	}
}

func dialRegistered(t *testing.T, cfg Config) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := Dial(ctx, cfg, testIdentity, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Register(ctx, "tok-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return s
}

func TestSessionHandshake(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, nil)
	start := time.Now()
	s := dialRegistered(t, quietConfig(b.url()))

	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("handshake took %v, want at least the register grace", elapsed)
	}
	if s.State() != StateRegistered {
		t.Errorf("state = %v, want registered", s.State())
	}

	waitFor(t, "sync ack", func() bool { return len(b.framesFor("/r/SyncStatus/ackDiff")) == 1 })

	regs := b.framesFor("/reg")
	if len(regs) != 1 {
		t.Fatalf("got %d register frames, want 1", len(regs))
	}
	if regs[0].Headers["token"] != "tok-1" || regs[0].Headers["did"] != "DEVICE-42" {
		t.Errorf("register headers = %v", regs[0].Headers)
	}

	b.mu.Lock()
	first := b.frames[0].LWP
	header := b.header
	b.mu.Unlock()
	if first != "/reg" {
		t.Errorf("first frame = %q, want /reg", first)
	}
	if header.Get("Cookie") != testIdentity.Cookies {
		t.Errorf("Cookie = %q", header.Get("Cookie"))
	}
	if header.Get("Origin") != DefaultOrigin {
		t.Errorf("Origin = %q", header.Get("Origin"))
	}
}

func TestSessionAcksAndEnqueuesSyncPackages(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, nil)
	s := dialRegistered(t, quietConfig(b.url()))

	q := &fakeQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, q) }()

	syncPkg := `{"lwp":"/s/para","headers":{"mid":"m1","sid":"s1"},"body":{"syncPushPackage":{"data":[{"data":"abc"}]}}}`
	b.push <- []byte(syncPkg)
	b.push <- []byte(`{"lwp":"/s/vulcan","headers":{"mid":"m2"}}`)
	b.push <- []byte(`{"code":200,"headers":{"mid":"m3"}}`)
	b.push <- []byte(`{"lwp":"/s/vulcan","headers":{"mid":"m4"}}`)

	waitFor(t, "acks", func() bool { return b.ackedMID("m1") && b.ackedMID("m2") && b.ackedMID("m4") })

	if b.ackedMID("m3") {
		t.Error("command response was acked")
	}
	got := q.snapshot()
	if len(got) != 1 || got[0] != syncPkg {
		t.Errorf("enqueued %q, want only the sync package", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionHeartbeatsAcknowledged(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, func(b *fakeBackend) { b.ackHeartbeats = true })
	cfg := quietConfig(b.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 30 * time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	s := dialRegistered(t, cfg)

	q := &fakeQueue{}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, q)
	if errors.Is(err, ErrLivenessTimeout) {
		t.Fatal("session declared dead despite acknowledged heartbeats")
	}
	if n := len(b.framesFor("/!")); n < 3 {
		t.Errorf("sent %d heartbeats, want several", n)
	}
	if got := q.snapshot(); len(got) != 0 {
		t.Errorf("heartbeat acks were enqueued: %q", got)
	}
}

func TestSessionLivenessTimeout(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, nil)
	cfg := quietConfig(b.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 20 * time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	s := dialRegistered(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.Run(ctx, &fakeQueue{})
	if !errors.Is(err, ErrLivenessTimeout) {
		t.Fatalf("Run = %v, want ErrLivenessTimeout", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
}

func TestHeartbeatSchedule(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1_700_000_000, 0)
	at := func(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

	seq := 0
	hb := newHeartbeat(15*time.Second, 5*time.Second, t0)
	hb.newMID = func() string { seq++; return fmt.Sprintf("hb-%d", seq) }

	var sent []int
	deadAt := -1
	for sec := 0; sec <= 30; sec++ {
		mid, dead := hb.check(at(sec))
		if dead {
			deadAt = sec
			break
		}
		if mid != "" {
			sent = append(sent, sec)
		}
	}

	if len(sent) != 2 || sent[0] != 0 || sent[1] != 15 {
		t.Errorf("heartbeats sent at %v, want [0 15]", sent)
	}
	if deadAt != 20 {
		t.Errorf("declared dead at t=%d, want 20", deadAt)
	}
}

func TestHeartbeatAckExtendsLiveness(t *testing.T) {
	t.Parallel()

	t0 := time.Unix(1_700_000_000, 0)
	hb := newHeartbeat(15*time.Second, 5*time.Second, t0)
	hb.newMID = func() string { return "hb-1" }

	mid, _ := hb.check(t0)
	if hb.ack("unknown", t0.Add(time.Second)) {
		t.Error("ack with unknown mid matched")
	}
	if !hb.ack(mid, t0.Add(10*time.Second)) {
		t.Fatal("ack with outstanding mid did not match")
	}
	if _, dead := hb.check(t0.Add(25 * time.Second)); dead {
		t.Error("dead 15s after an ack")
	}
	if !hb.overdue(t0.Add(26 * time.Second)) {
		t.Error("not overdue 16s after an ack")
	}
	if _, dead := hb.check(t0.Add(30 * time.Second)); !dead {
		t.Error("alive 20s after the last ack")
	}
}

type scriptedTokens struct {
	mu    sync.Mutex
	calls int
	ids   []identity.Identity
	fail  int
}

func (s *scriptedTokens) AccessToken(_ context.Context, id identity.Identity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.ids = append(s.ids, id)
	if s.calls <= s.fail {
		return "", fmt.Errorf("%w: no token in response", identity.ErrHandshakeFatal)
	}
	return "tok", nil
}

func runSupervisor(t *testing.T, sup *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return cancel
}

func TestSupervisorReconnects(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, func(b *fakeBackend) { b.closeAfterSyncAck = true })
	sup := NewSupervisor(quietConfig(b.url()), testIdentity, identity.StaticToken("tok"), &fakeQueue{}, 10*time.Millisecond, nil)
	runSupervisor(t, sup)

	waitFor(t, "three connections", func() bool { return sup.Stats().Connects >= 3 })
	if got := b.conns.Load(); got < 3 {
		t.Errorf("backend accepted %d connections, want >= 3", got)
	}
}

func TestSupervisorRestartsAfterFatalHandshake(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, nil)
	tokens := &scriptedTokens{fail: 1}
	sup := NewSupervisor(quietConfig(b.url()), testIdentity, tokens, &fakeQueue{}, 10*time.Millisecond, nil)
	runSupervisor(t, sup)

	waitFor(t, "registration", func() bool { return len(b.framesFor("/reg")) == 1 })

	stats := sup.Stats()
	if stats.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", stats.Restarts)
	}
	if stats.DeviceID == testIdentity.DeviceID {
		t.Error("device id not regenerated after fatal handshake")
	}
	if !strings.HasSuffix(stats.DeviceID, "-"+testIdentity.SelfID) {
		t.Errorf("device id %q lost the account suffix", stats.DeviceID)
	}
	if did := b.framesFor("/reg")[0].Headers["did"]; did != stats.DeviceID {
		t.Errorf("registered with did %q, want %q", did, stats.DeviceID)
	}
}

func TestSupervisorSendChat(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(t, nil)
	sup := NewSupervisor(quietConfig(b.url()), testIdentity, identity.StaticToken("tok"), &fakeQueue{}, 10*time.Millisecond, nil)

	if err := sup.SendChat(context.Background(), "c1", "u1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendChat before connect = %v, want ErrNotConnected", err)
	}

	runSupervisor(t, sup)
	waitFor(t, "registered", func() bool { return sup.State() == StateRegistered })

	const n = 25
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sup.SendChat(context.Background(), "c1", "u1", fmt.Sprintf("reply %d", i)); err != nil {
				t.Errorf("SendChat: %v", err)
			}
		}()
	}
	wg.Wait()

	waitFor(t, "all sends", func() bool { return len(b.framesFor("/r/MessageSend/sendByReceiverScope")) == n })
	if sup.SelfID() != "42" {
		t.Errorf("SelfID = %q", sup.SelfID())
	}
}
