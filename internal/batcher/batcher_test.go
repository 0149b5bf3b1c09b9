package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// fakeClock is a package-local deterministic clock.Clock.
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

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	return c.afterFunc(d, f)
}

func (c *fakeClock) afterFunc(d time.Duration, f func()) *fakeTimer {
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

// Advance moves the clock forward and fires any timers now due, in
// scheduling order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
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

func newTestBatcher(t *testing.T, cfg Config) (*Batcher, *fakeClock, *sentRecorder) {
	t.Helper()
	fc := newFakeClock()
	rec := &sentRecorder{}
	b := New(cfg, fc, rec.send, rec.broadcast)
	return b, fc, rec
}

type sentRecorder struct {
	mu          sync.Mutex
	sent        []sentCall
	broadcasts  []interface{}
}

type sentCall struct {
	userID  string
	payload interface{}
}

func (r *sentRecorder) send(userID string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentCall{userID, payload})
}

func (r *sentRecorder) broadcast(payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, payload)
}

func (r *sentRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *sentRecorder) last() sentCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func normalEvent() *domain.Event {
	return &domain.Event{
		ID:       "e1",
		Type:     domain.EventZoneCreated,
		Category: domain.CategoryDNS,
		Priority: domain.PriorityNormal,
		Data:     map[string]interface{}{"zone": "example.com"},
	}
}

func TestBatcher_CriticalPriorityBypassesBatching(t *testing.T) {
	b, _, rec := newTestBatcher(t, DefaultConfig())

	e := normalEvent()
	e.Priority = domain.PriorityCritical

	queued := b.Add(e, "user-1")
	if queued {
		t.Fatal("critical priority event should bypass batching")
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 immediate send, got %d", rec.count())
	}
}

func TestBatcher_IsCriticalEventTypeBypassesBatching(t *testing.T) {
	b, _, rec := newTestBatcher(t, DefaultConfig())

	e := normalEvent()
	e.Type = domain.EventHealthAlert
	e.Priority = domain.PriorityNormal

	b.Add(e, "user-1")
	if rec.count() != 1 {
		t.Fatalf("expected IsCritical event type to bypass batching, got %d sends", rec.count())
	}
}

func TestBatcher_NormalEventIsQueuedNotSentImmediately(t *testing.T) {
	b, _, rec := newTestBatcher(t, DefaultConfig())

	queued := b.Add(normalEvent(), "user-1")
	if !queued {
		t.Fatal("normal priority event should be queued for batching")
	}
	if rec.count() != 0 {
		t.Fatalf("expected no immediate send before flush, got %d", rec.count())
	}
}

func TestBatcher_TimerFlushSendsBatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	b, fc, rec := newTestBatcher(t, cfg)

	b.Add(normalEvent(), "user-1")
	fc.Advance(cfg.BatchTimeout)

	if rec.count() != 1 {
		t.Fatalf("expected timer-driven flush to send 1 batch, got %d", rec.count())
	}
	bf, ok := rec.last().payload.(domain.BatchFrame)
	if !ok {
		t.Fatalf("expected BatchFrame payload, got %T", rec.last().payload)
	}
	if bf.BatchSize != 1 {
		t.Errorf("expected batch size 1, got %d", bf.BatchSize)
	}
}

func TestBatcher_MaxBatchCountTriggersImmediateFlush(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	cfg.MaxBatchCount = 3
	b, _, rec := newTestBatcher(t, cfg)

	for i := 0; i < 3; i++ {
		b.Add(normalEvent(), "user-1")
	}

	if rec.count() != 1 {
		t.Fatalf("expected batch to flush once max count reached, got %d sends", rec.count())
	}
	bf := rec.last().payload.(domain.BatchFrame)
	if bf.BatchSize != 3 {
		t.Errorf("expected batch size 3, got %d", bf.BatchSize)
	}
}

func TestBatcher_QueueOverflowDropsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	cfg.MaxQueueSize = 2
	cfg.MaxBatchCount = 100 // keep events pending; no count-triggered flush
	b, _, _ := newTestBatcher(t, cfg)

	b.Add(normalEvent(), "user-1")
	b.Add(normalEvent(), "user-1")
	b.Add(normalEvent(), "user-1")

	if got := b.Snapshot().QueueOverflows; got != 1 {
		t.Errorf("expected 1 queue overflow, got %d", got)
	}
}

func TestBatcher_CompressionAppliedAboveThresholdWithGoodRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	cfg.CompressionThreshold = 10 // force compression path for this test
	b, fc, rec := newTestBatcher(t, cfg)

	e := normalEvent()
	e.Data = map[string]interface{}{"blob": repeatedString("x", 5000)}
	b.Add(e, "user-1")
	fc.Advance(cfg.BatchTimeout)

	if rec.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", rec.count())
	}
	if _, ok := rec.last().payload.(domain.CompressedFrame); !ok {
		t.Fatalf("expected compressed payload for highly compressible data, got %T", rec.last().payload)
	}
}

func TestBatcher_SmallPayloadNeverCompressed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	b, fc, rec := newTestBatcher(t, cfg)

	b.Add(normalEvent(), "user-1")
	fc.Advance(cfg.BatchTimeout)

	if _, ok := rec.last().payload.(domain.BatchFrame); !ok {
		t.Fatalf("expected uncompressed BatchFrame below threshold, got %T", rec.last().payload)
	}
}

func TestBatcher_BroadcastBypassesPerUserQueue(t *testing.T) {
	b, _, rec := newTestBatcher(t, DefaultConfig())

	b.Add(normalEvent(), "")

	if len(rec.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast call, got %d", len(rec.broadcasts))
	}
}

func TestBatcher_ForceFlushAllDrainsEveryUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdaptiveSizing = false
	b, _, rec := newTestBatcher(t, cfg)

	b.Add(normalEvent(), "user-1")
	b.Add(normalEvent(), "user-2")
	b.ForceFlushAll()

	if rec.count() != 2 {
		t.Fatalf("expected both users flushed, got %d sends", rec.count())
	}
}

func TestBatcher_AdaptiveBatchSizeShrinksUnderLowLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchCount = 50
	cfg.MinBatchCount = 5
	cfg.LoadThreshold = 0.8
	b, _, _ := newTestBatcher(t, cfg)
	b.SetLoad(0.1)

	got := b.adaptiveBatchSizeLocked()
	if got != 5 {
		t.Errorf("adaptiveBatchSizeLocked() = %d, want 5 (floor at MinBatchCount)", got)
	}
}

func TestBatcher_AdaptiveBatchSizeUsesMaxAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	b, _, _ := newTestBatcher(t, cfg)
	b.SetLoad(0.95)

	if got := b.adaptiveBatchSizeLocked(); got != cfg.MaxBatchCount {
		t.Errorf("adaptiveBatchSizeLocked() = %d, want MaxBatchCount under high load", got)
	}
}

func repeatedString(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
