package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/goofish-agent/internal/domain"
	"github.com/redis/go-redis/v9"
)

type fakeStore struct {
	mu         sync.Mutex
	statuses   []domain.OrderTransition
	orderMsgs  []domain.OrderMessage
	saved      []domain.StoredMessage
	history    map[string][]domain.StoredMessage
	failWrites bool
	historyErr error
}

var errDown = errors.New("database is down")

func (s *fakeStore) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errDown
	}
	s.statuses = append(s.statuses, domain.OrderTransition{OrderID: orderID, Status: status})
	return nil
}

func (s *fakeStore) SaveOrderMessage(_ context.Context, msg domain.OrderMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errDown
	}
	s.orderMsgs = append(s.orderMsgs, msg)
	return nil
}

func (s *fakeStore) SaveChatMessage(_ context.Context, msg domain.StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *fakeStore) GetChatMessages(_ context.Context, id string, limit int) ([]domain.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	h := s.history[id]
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	return h, nil
}

type fakeReplier struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeReplier) Generate(_ context.Context, message, identity, conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, message+"|"+identity+"|"+conversationID)
	return "已付款提醒"
}

type sentChat struct {
	conversationID, recipientID, text string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentChat
}

func (s *fakeSender) SendChat(_ context.Context, conversationID, recipientID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentChat{conversationID, recipientID, text})
	return nil
}

type fixture struct {
	tracker *Tracker
	markers *Markers
	store   *fakeStore
	replier *fakeReplier
	sender  *fakeSender
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		markers: NewMarkers(client, "test", 10*time.Second, time.Minute),
		store:   &fakeStore{history: map[string][]domain.StoredMessage{}},
		replier: &fakeReplier{},
		sender:  &fakeSender{},
		mr:      mr,
	}
	f.tracker = New(f.store, f.markers, f.replier, f.sender, time.Second, "seller", nil)
	return f
}

func shipment(orderID string) domain.OrderStatusEvent {
	return domain.OrderStatusEvent{OrderID: orderID, Status: domain.OrderAwaitingShipment, ObservedAtMs: 1_700_000_000_000}
}

func (f *fixture) pending(t *testing.T) []string {
	t.Helper()
	ids, err := f.markers.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	return ids
}

func TestHandleStatusRecordsTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	ev := domain.OrderStatusEvent{OrderID: "o1", Status: domain.OrderAwaitingPayment, ObservedAtMs: 42}
	if err := f.tracker.HandleStatus(ctx, ev); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}

	if len(f.store.statuses) != 1 || f.store.statuses[0].Status != domain.OrderAwaitingPayment {
		t.Errorf("statuses = %+v", f.store.statuses)
	}
	if len(f.store.orderMsgs) != 1 || f.store.orderMsgs[0].Message != "订单创建，等待买家付款" || f.store.orderMsgs[0].TimeMs != 42 {
		t.Errorf("order messages = %+v", f.store.orderMsgs)
	}
	if ids := f.pending(t); len(ids) != 0 {
		t.Errorf("non-shipment status created markers %v", ids)
	}
}

func TestAwaitingShipmentCreatesMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.tracker.HandleStatus(context.Background(), shipment("o2")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}

	ids := f.pending(t)
	if len(ids) != 1 || ids[0] != "o2" {
		t.Fatalf("pending = %v, want [o2]", ids)
	}
	ttl := f.mr.TTL("test:order_wait_ship:o2")
	if ttl <= 0 || ttl > 10*time.Second {
		t.Errorf("marker ttl = %v, want about 10s", ttl)
	}
}

func TestSubSecondMarkerTTL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	markers := NewMarkers(client, "test", 500*time.Millisecond, time.Minute)

	created, err := markers.Mark(context.Background(), "o1", 1)
	if err != nil || !created {
		t.Fatalf("Mark = %v, %v; want created", created, err)
	}
	ttl := mr.TTL("test:order_wait_ship:o1")
	if ttl <= 0 || ttl > 500*time.Millisecond {
		t.Errorf("marker ttl = %v, want at most 500ms", ttl)
	}

	mr.FastForward(time.Second)
	ids, err := markers.Pending(context.Background())
	if err != nil || len(ids) != 0 {
		t.Errorf("Pending after expiry = %v, %v; want none", ids, err)
	}
}

func TestExpiredMarkerSendsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.history["o2"] = []domain.StoredMessage{{UserID: "buyer", Text: "paid"}}

	if err := f.tracker.HandleStatus(context.Background(), shipment("o2")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	f.mr.FastForward(11 * time.Second)

	f.tracker.Reconcile(context.Background())

	if len(f.sender.sent) != 0 {
		t.Errorf("sent %+v after marker expiry", f.sender.sent)
	}
	if ids := f.pending(t); len(ids) != 0 {
		t.Errorf("pending = %v, want none", ids)
	}
}

func TestReconcileSendsNudgeOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.store.history["o3"] = []domain.StoredMessage{
		{UserID: "buyer", UserName: "Bob", LocalID: "seller", Text: "paid", OrderID: "o3"},
	}

	// Observed twice within the marker's life.
	for range 2 {
		if err := f.tracker.HandleStatus(ctx, shipment("o3")); err != nil {
			t.Fatalf("HandleStatus: %v", err)
		}
	}
	f.tracker.Reconcile(ctx)

	// And again after the nudge went out.
	if err := f.tracker.HandleStatus(ctx, shipment("o3")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	f.tracker.Reconcile(ctx)

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d nudges, want 1", len(f.sender.sent))
	}
	if got := f.sender.sent[0]; got != (sentChat{"o3", "buyer", "已付款提醒"}) {
		t.Errorf("sent = %+v", got)
	}
	if len(f.replier.calls) != 1 || f.replier.calls[0] != ShipmentNotice+"|buyer|o3" {
		t.Errorf("replier calls = %v", f.replier.calls)
	}
	if len(f.store.saved) != 1 || f.store.saved[0].UserName != domain.SelfUserName || f.store.saved[0].UserID != "buyer" {
		t.Errorf("saved = %+v", f.store.saved)
	}
	if st := f.tracker.Stats(); st.Marked != 1 || st.Nudged != 1 || st.Transitions != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestReconcileDiscardsMarkerWithoutHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if err := f.tracker.HandleStatus(context.Background(), shipment("o4")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	f.tracker.Reconcile(context.Background())

	if len(f.sender.sent) != 0 {
		t.Errorf("sent %+v without chat history", f.sender.sent)
	}
	if ids := f.pending(t); len(ids) != 0 {
		t.Errorf("pending = %v, want marker discarded", ids)
	}
	if f.tracker.Stats().Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", f.tracker.Stats().Discarded)
	}
}

func TestReconcileKeepsMarkerWhenLookupFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.historyErr = errDown

	if err := f.tracker.HandleStatus(context.Background(), shipment("o5")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	f.tracker.Reconcile(context.Background())

	if ids := f.pending(t); len(ids) != 1 {
		t.Errorf("pending = %v, want marker kept for the next tick", ids)
	}
}

func TestStorageFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.failWrites = true

	if err := f.tracker.HandleStatus(context.Background(), shipment("o6")); err != nil {
		t.Fatalf("HandleStatus = %v, want storage failure swallowed", err)
	}
	if ids := f.pending(t); len(ids) != 1 {
		t.Errorf("pending = %v, want marker despite storage failure", ids)
	}
}

func TestMarkerFailureIsReturned(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mr.Close()

	if err := f.tracker.HandleStatus(context.Background(), shipment("o7")); err == nil {
		t.Fatal("HandleStatus succeeded with redis down")
	}
}

func TestRunReconcilesOnTicker(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tracker.interval = 10 * time.Millisecond
	f.store.history["o8"] = []domain.StoredMessage{{UserID: "buyer"}}

	if err := f.tracker.HandleStatus(context.Background(), shipment("o8")); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.tracker.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.tracker.Stats().Nudged == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if f.tracker.Stats().Nudged != 1 {
		t.Fatal("nudge not sent by the reconcile loop")
	}
}
