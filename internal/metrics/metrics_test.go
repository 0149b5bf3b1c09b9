package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hybrid-dns/eventbroker/internal/batcher"
	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/delivery"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/session"
)

// fakeClock is a package-local deterministic clock.Clock double, matching
// the pattern used throughout the other packages' tests.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return &fakeTimer{}
}

type fakeTimer struct{}

func (*fakeTimer) Stop() bool { return true }

type fakeEventStore struct{}

func (fakeEventStore) InsertEvent(e *domain.Event) error          { return nil }
func (fakeEventStore) MarkEventProcessed(id string) error         { return nil }
func (fakeEventStore) UnprocessedSince(time.Time) ([]*domain.Event, error) { return nil, nil }

type fakeMatcher struct{}

func (fakeMatcher) Match(e *domain.Event) []*domain.Subscription { return nil }

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(e *domain.Event, sub *domain.Subscription, immediate bool) {}

type fakeDeliveryStore struct{}

func (fakeDeliveryStore) InsertDelivery(d *domain.DeliveryRecord) error { return nil }
func (fakeDeliveryStore) UpdateDelivery(d *domain.DeliveryRecord) error { return nil }
func (fakeDeliveryStore) DueRetries(time.Time) ([]*domain.DeliveryRecord, error) {
	return nil, nil
}
func (fakeDeliveryStore) GetEvent(id string) (*domain.Event, error) {
	return nil, domain.NewNotFoundError("no such event")
}

type fakeSessionSender struct{}

func (fakeSessionSender) HasOpenSession(userID string) bool          { return false }
func (fakeSessionSender) SendToUser(userID string, payload interface{}) {}

type fakeBatchEnqueuer struct{}

func (fakeBatchEnqueuer) Add(e *domain.Event, userID string) bool { return true }

type fakeSubscriptionManager struct{}

func (fakeSubscriptionManager) Create(userID string, filter domain.EventFilter, sessionID string, expiresAt *time.Time) (*domain.Subscription, error) {
	return &domain.Subscription{ID: "sub-1", UserID: userID}, nil
}

func (fakeSubscriptionManager) Update(id, requestingUserID string, mutate func(*domain.Subscription)) (*domain.Subscription, error) {
	return nil, domain.NewNotFoundError("no such subscription")
}

func (fakeSubscriptionManager) Delete(id, requestingUserID string) error { return nil }

func noopVerify(token string) (string, error) { return "user-1", nil }

// testHarness wires one of each component with no-op/fake dependencies,
// enough to exercise NewService's registration and Snapshot plumbing
// without a real store, websocket connection, or filesystem.
type testHarness struct {
	bus      *eventbus.Bus
	batch    *batcher.Batcher
	sessions *session.Manager
	tracker  *delivery.Tracker
}

func newTestHarness() *testHarness {
	clk := newFakeClock()
	bus := eventbus.New(fakeEventStore{}, fakeMatcher{}, fakeDispatcher{}, eventbus.Config{QueueSize: 16, WorkerCount: 1})
	batch := batcher.New(batcher.Config{MaxBatchCount: 10, MaxBatchBytes: 4096, BatchTimeout: time.Second},
		clk, func(string, interface{}) {}, func(interface{}) {})
	sessions := session.New(session.Config{MaxPerUser: 4, MaxGlobal: 100, SendQueueSize: 16}, clk, noopVerify, fakeSubscriptionManager{})
	tracker := delivery.New(delivery.DefaultConfig(), fakeDeliveryStore{}, fakeSessionSender{}, fakeBatchEnqueuer{}, clk)
	return &testHarness{bus: bus, batch: batch, sessions: sessions, tracker: tracker}
}

var registryCounter int
var registryMu sync.Mutex

func newTestRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	registryCounter++
	return prometheus.NewRegistry()
}

func TestService_RegistersAndServesMetrics(t *testing.T) {
	h := newTestHarness()
	reg := newTestRegistry()
	svc := NewService(reg, h.bus, h.batch, h.sessions, h.tracker)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	svc.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"eventbroker_bus_events_processed_total",
		"eventbroker_batcher_batches_sent_total",
		"eventbroker_sessions_open",
		"eventbroker_delivery_delivered_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %s, got:\n%s", name, body)
		}
	}
}

func TestService_DeliveryCountersReflectTrackerSnapshot(t *testing.T) {
	h := newTestHarness()
	reg := newTestRegistry()
	NewService(reg, h.bus, h.batch, h.sessions, h.tracker)

	h.tracker.Dispatch(&domain.Event{ID: "evt-1", Type: domain.EventZoneCreated}, &domain.Subscription{ID: "sub-1", UserID: "user-1"}, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promSvc := &Service{registry: reg}
	promSvc.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "eventbroker_delivery_failed_total 1") {
		t.Errorf("expected one failed delivery counted (no open session in the fake), got:\n%s", rec.Body.String())
	}
}

func TestService_SessionsByKindReflectsManagerStats(t *testing.T) {
	h := newTestHarness()
	reg := newTestRegistry()
	svc := NewService(reg, h.bus, h.batch, h.sessions, h.tracker)

	gv := svc.SessionsByKind(h.sessions)
	if gv == nil {
		t.Fatal("expected a non-nil gauge vec")
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	svc.Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "eventbroker_sessions_by_kind") {
		t.Errorf("expected sessions_by_kind series in output, got:\n%s", rec.Body.String())
	}
}
