package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// fakeConn is an in-memory double for Conn: writes land in a slice,
// reads are served from a queue the test feeds, and a close sentinel
// lets ReadMessage unblock once the test is done driving the session.
type fakeConn struct {
	mu       sync.Mutex
	written  []interface{}
	closeMsg []byte
	closed   bool

	readQueue [][]byte
	readCh    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan struct{}, 1)}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeMsg = data
	return nil
}

func (c *fakeConn) pushRead(msg []byte) {
	c.mu.Lock()
	c.readQueue = append(c.readQueue, msg)
	c.mu.Unlock()
	select {
	case c.readCh <- struct{}{}:
	default:
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return 0, nil, errClosed
		}
		if len(c.readQueue) > 0 {
			msg := c.readQueue[0]
			c.readQueue = c.readQueue[1:]
			c.mu.Unlock()
			return 1, msg, nil
		}
		c.mu.Unlock()
		<-c.readCh
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	select {
	case c.readCh <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func (c *fakeConn) lastWritten() interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written[len(c.written)-1]
}

type closedErr struct{}

func (closedErr) Error() string { return "fake conn closed" }

var errClosed error = closedErr{}

// fakeSubs is a package-local double of SubscriptionManager.
type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]*domain.Subscription
}

func newFakeSubs() *fakeSubs {
	return &fakeSubs{subs: make(map[string]*domain.Subscription)}
}

func (f *fakeSubs) Create(userID string, filter domain.EventFilter, sessionID string, expiresAt *time.Time) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &domain.Subscription{ID: sessionID + "-sub", UserID: userID, SessionID: sessionID, Filter: filter, IsActive: true}
	f.subs[s.ID] = s
	return s, nil
}

func (f *fakeSubs) Update(id, requestingUserID string, mutate func(*domain.Subscription)) (*domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, domain.NewNotFoundError("subscription not found")
	}
	mutate(s)
	return s, nil
}

func (f *fakeSubs) Delete(id, requestingUserID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

// fakeClock is a minimal clock.Clock double; timers fire synchronously
// when Advance is called.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

type fakeTimer struct {
	fire    time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fire: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due, rest []*fakeTimer
	for _, t := range c.pending {
		if !t.stopped && !t.fire.After(c.now) {
			due = append(due, t)
		} else if !t.stopped {
			rest = append(rest, t)
		}
	}
	c.pending = rest
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func okVerify(token string) (string, error) {
	if token == "valid" {
		return "user-1", nil
	}
	return "", domain.NewPermissionDeniedError("bad token")
}

func newTestManager() (*Manager, *fakeClock) {
	fc := newFakeClock()
	m := New(DefaultConfig(), fc, okVerify, newFakeSubs())
	return m, fc
}

func TestManager_AdmitRejectsInvalidToken(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()

	_, err := m.Admit(conn, "garbage", domain.SessionUnified)
	if !domain.IsKind(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if conn.closeMsg == nil {
		t.Error("expected close frame to be written")
	}
}

func TestManager_AdmitRejectsInvalidKind(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()

	_, err := m.Admit(conn, "valid", domain.SessionKind("bogus"))
	if !domain.IsKind(err, domain.ErrValidation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestManager_AdmitEnforcesPerUserCap(t *testing.T) {
	m, _ := newTestManager()
	m.cfg.MaxPerUser = 1

	if _, err := m.Admit(newFakeConn(), "valid", domain.SessionUnified); err != nil {
		t.Fatalf("first admit should succeed: %v", err)
	}
	_, err := m.Admit(newFakeConn(), "valid", domain.SessionUnified)
	if err == nil {
		t.Fatal("expected second admit to be rejected by per-user cap")
	}
}

func TestManager_AdmitEnforcesGlobalCap(t *testing.T) {
	m, _ := newTestManager()
	m.cfg.MaxGlobal = 1
	m.verify = func(token string) (string, error) { return token, nil } // distinct users per token

	if _, err := m.Admit(newFakeConn(), "user-a", domain.SessionUnified); err != nil {
		t.Fatalf("first admit should succeed: %v", err)
	}
	_, err := m.Admit(newFakeConn(), "user-b", domain.SessionUnified)
	if err == nil {
		t.Fatal("expected second admit to be rejected by global cap")
	}
}

func TestManager_AdmitSendsConnectionEstablished(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()

	s, err := m.Admit(conn, "valid", domain.SessionHealth)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	waitForWrite(t, conn, 1)

	msg := conn.lastWritten().(map[string]interface{})
	if msg["type"] != "connection_established" {
		t.Errorf("expected connection_established, got %v", msg["type"])
	}
	if s.Kind != domain.SessionHealth {
		t.Errorf("expected kind health, got %v", s.Kind)
	}
}

func TestSession_PingReceivesPong(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()
	s, err := m.Admit(conn, "valid", domain.SessionUnified)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	go s.Serve()

	conn.pushRead(mustJSON(t, map[string]interface{}{"type": "ping"}))
	waitForWrite(t, conn, 2) // connection_established + pong

	found := false
	for _, w := range allWritten(conn) {
		if m, ok := w.(map[string]interface{}); ok && m["type"] == "pong" {
			found = true
		}
	}
	if !found {
		t.Error("expected a pong frame in response to ping")
	}
}

func TestSession_SubscribeEventsUpdatesFilter(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()
	s, err := m.Admit(conn, "valid", domain.SessionUnified)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	go s.Serve()

	conn.pushRead(mustJSON(t, map[string]interface{}{
		"type": "subscribe_events",
		"data": map[string]interface{}{"event_types": []string{"zone_created"}},
	}))
	waitForWrite(t, conn, 2)

	found := false
	for _, w := range allWritten(conn) {
		if mm, ok := w.(map[string]interface{}); ok && mm["type"] == "subscribe_events_ack" {
			found = true
		}
	}
	if !found {
		t.Error("expected subscribe_events_ack")
	}
}

func TestSession_UnknownMessageTypeReturnsError(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()
	s, err := m.Admit(conn, "valid", domain.SessionUnified)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	go s.Serve()

	conn.pushRead(mustJSON(t, map[string]interface{}{"type": "do_a_barrel_roll"}))
	waitForWrite(t, conn, 2)

	found := false
	for _, w := range allWritten(conn) {
		if mm, ok := w.(map[string]interface{}); ok && mm["type"] == "error" {
			found = true
		}
	}
	if !found {
		t.Error("expected an error frame for unknown message type")
	}
}

func TestSession_IdleTimeoutSendsPingThenClosesOnNoPong(t *testing.T) {
	cfg := DefaultConfig()
	fc := newFakeClock()
	m := New(cfg, fc, okVerify, newFakeSubs())

	conn := newFakeConn()
	_, err := m.Admit(conn, "valid", domain.SessionUnified)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	fc.Advance(cfg.IdleTimeout)
	waitForWrite(t, conn, 2) // connection_established + server ping

	fc.Advance(cfg.PongTimeout)
	waitFor(t, func() bool { return conn.closeMsg != nil })
}

func TestManager_SendToUserDeliversToSession(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()
	if _, err := m.Admit(conn, "valid", domain.SessionUnified); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	m.SendToUser("user-1", map[string]interface{}{"type": "test_event"})
	waitForWrite(t, conn, 2)
}

func TestManager_DisconnectUserClosesAllSessions(t *testing.T) {
	m, _ := newTestManager()
	conn := newFakeConn()
	if _, err := m.Admit(conn, "valid", domain.SessionUnified); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	m.DisconnectUser("user-1")
	waitFor(t, func() bool { return conn.closeMsg != nil })
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func allWritten(c *fakeConn) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.written))
	copy(out, c.written)
	return out
}

func waitForWrite(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	waitFor(t, func() bool { return conn.writtenCount() >= n })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
