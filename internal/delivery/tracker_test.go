package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	inserted  []*domain.DeliveryRecord
	byID      map[string]*domain.DeliveryRecord
	events    map[string]*domain.Event
	dueErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*domain.DeliveryRecord), events: make(map[string]*domain.Event)}
}

func (f *fakeStore) InsertDelivery(d *domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *d
	f.inserted = append(f.inserted, &cp)
	f.byID[d.ID] = d
	return nil
}

func (f *fakeStore) UpdateDelivery(d *domain.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[d.ID] = d
	return nil
}

func (f *fakeStore) DueRetries(now time.Time) ([]*domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var out []*domain.DeliveryRecord
	for _, d := range f.byID {
		if d.DueForRetry(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStore) GetEvent(id string) (*domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.events[id]
	if !ok {
		return nil, domain.NewNotFoundError("event not found")
	}
	return e, nil
}

type fakeSessions struct {
	mu       sync.Mutex
	open     map[string]bool
	sent     []sendCall
}

type sendCall struct {
	userID  string
	payload interface{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{open: make(map[string]bool)}
}

func (f *fakeSessions) HasOpenSession(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[userID]
}

func (f *fakeSessions) SendToUser(userID string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sendCall{userID, payload})
}

type fakeBatcher struct {
	mu    sync.Mutex
	added []string
}

func (f *fakeBatcher) Add(e *domain.Event, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, userID)
	return true
}

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

func testSub() *domain.Subscription {
	return &domain.Subscription{ID: "sub-1", UserID: "user-1", SessionID: "sess-1"}
}

func TestTracker_ImmediateDispatchDeliveredWhenSessionOpen(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	sessions.open["user-1"] = true
	tr := New(DefaultConfig(), store, sessions, &fakeBatcher{}, newFakeClock())

	e := &domain.Event{ID: "evt-1", Type: domain.EventHealthAlert, Priority: domain.PriorityCritical}
	tr.Dispatch(e, testSub(), true)

	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 delivery record, got %d", len(store.inserted))
	}
	if store.inserted[0].Status != domain.DeliveryDelivered {
		t.Errorf("expected delivered status, got %s", store.inserted[0].Status)
	}
	if len(sessions.sent) != 1 {
		t.Errorf("expected 1 direct send, got %d", len(sessions.sent))
	}
}

func TestTracker_ImmediateDispatchFailsWhenNoSession(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions() // no open sessions
	tr := New(DefaultConfig(), store, sessions, &fakeBatcher{}, newFakeClock())

	e := &domain.Event{ID: "evt-1", Type: domain.EventHealthAlert, Priority: domain.PriorityCritical}
	tr.Dispatch(e, testSub(), true)

	rec := store.byID[store.inserted[0].ID]
	if rec.Status != domain.DeliveryRetrying {
		t.Fatalf("expected retrying status, got %s", rec.Status)
	}
	if rec.RetryAfter == nil {
		t.Error("expected retry_after to be set")
	}
}

func TestTracker_BatchedDispatchMarksDeliveredOnHandoff(t *testing.T) {
	store := newFakeStore()
	b := &fakeBatcher{}
	tr := New(DefaultConfig(), store, newFakeSessions(), b, newFakeClock())

	e := &domain.Event{ID: "evt-1", Type: domain.EventZoneCreated, Priority: domain.PriorityNormal}
	tr.Dispatch(e, testSub(), false)

	if len(b.added) != 1 {
		t.Fatalf("expected batcher handoff, got %d calls", len(b.added))
	}
	if store.inserted[0].Status != domain.DeliveryDelivered {
		t.Errorf("expected delivered status for batched handoff, got %s", store.inserted[0].Status)
	}
}

func TestTracker_SweepRetriesDueDeliveries(t *testing.T) {
	store := newFakeStore()
	sessions := newFakeSessions()
	fc := newFakeClock()
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Minute
	tr := New(cfg, store, sessions, &fakeBatcher{}, fc)

	e := &domain.Event{ID: "evt-1", Type: domain.EventHealthAlert, Priority: domain.PriorityCritical}
	store.events["evt-1"] = e
	tr.Dispatch(e, testSub(), true) // fails, schedules retry

	tr.Start()
	defer tr.Shutdown()

	sessions.open["user-1"] = true // session comes back online
	fc.Advance(cfg.SweepInterval)
	fc.Advance(cfg.BaseBackoff)
	fc.Advance(cfg.SweepInterval)

	found := false
	for _, d := range store.byID {
		if d.Status == domain.DeliveryDelivered {
			found = true
		}
	}
	if !found {
		t.Error("expected the retried delivery to eventually succeed once the session reopened")
	}
}

func TestTracker_RetryGivesUpOnExpiredEvent(t *testing.T) {
	store := newFakeStore()
	fc := newFakeClock()
	cfg := DefaultConfig()
	cfg.BaseBackoff = time.Minute
	tr := New(cfg, store, newFakeSessions(), &fakeBatcher{}, fc)

	past := fc.Now().Add(-time.Hour)
	e := &domain.Event{ID: "evt-1", Type: domain.EventHealthAlert, Priority: domain.PriorityCritical, ExpiresAt: &past}
	store.events["evt-1"] = e
	tr.Dispatch(e, testSub(), true)

	tr.Start()
	defer tr.Shutdown()

	fc.Advance(cfg.SweepInterval)
	fc.Advance(cfg.BaseBackoff)
	fc.Advance(cfg.SweepInterval)

	for _, d := range store.byID {
		if d.Status != domain.DeliveryFailed {
			t.Errorf("expected delivery to be terminally failed for expired event, got %s", d.Status)
		}
	}
}
