// Package delivery implements the DeliveryTracker of spec.md §4.5: one
// DeliveryRecord per (event, subscription) pair, immediate-attempt
// session delivery with observable failure, batched handoff via the
// MessageBatcher, and retry for transient failures with a backoff that
// grows linearly with the attempt count (base_backoff × attempts).
package delivery

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Stats exposes the tracker's delivery counters for metrics consumption.
type Stats struct {
	Delivered int64
	Failed    int64
	Finalized int64
	Retried   int64
}

// Store is the tracker's persistence dependency, implemented by
// *db.Repository.
type Store interface {
	InsertDelivery(d *domain.DeliveryRecord) error
	UpdateDelivery(d *domain.DeliveryRecord) error
	DueRetries(now time.Time) ([]*domain.DeliveryRecord, error)
	GetEvent(id string) (*domain.Event, error)
}

// SessionSender is the immediate-dispatch path: a direct push to the
// user's open session(s), bypassing the batcher. Implemented by
// *session.Manager.
type SessionSender interface {
	HasOpenSession(userID string) bool
	SendToUser(userID string, payload interface{})
}

// BatchEnqueuer is the non-immediate dispatch path. Implemented by
// *batcher.Batcher.
type BatchEnqueuer interface {
	Add(e *domain.Event, userID string) bool
}

// Config holds DeliveryTracker retry parameters, per spec.md §4.1's
// failure semantics ("retry_after = now + base_backoff × attempts").
type Config struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the defaults spec.md §4.1 names.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BaseBackoff:   5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Tracker is the DeliveryTracker of spec.md §4.5. It implements
// eventbus.DeliveryDispatcher.
type Tracker struct {
	cfg      Config
	store    Store
	sessions SessionSender
	batcher  BatchEnqueuer
	clk      clock.Clock

	stopCh chan struct{}
	timer  clock.Timer

	delivered atomic.Int64
	failed    atomic.Int64
	finalized atomic.Int64
	retried   atomic.Int64
}

// Snapshot returns the tracker's current counters.
func (t *Tracker) Snapshot() Stats {
	return Stats{
		Delivered: t.delivered.Load(),
		Failed:    t.failed.Load(),
		Finalized: t.finalized.Load(),
		Retried:   t.retried.Load(),
	}
}

// New constructs a Tracker.
func New(cfg Config, store Store, sessions SessionSender, batcher BatchEnqueuer, clk clock.Clock) *Tracker {
	return &Tracker{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		batcher:  batcher,
		clk:      clk,
		stopCh:   make(chan struct{}),
	}
}

// Dispatch implements eventbus.DeliveryDispatcher: it records one
// DeliveryRecord for (e, sub) and routes the event to the immediate
// session path or the batcher, per the immediate flag the Bus computed.
func (t *Tracker) Dispatch(e *domain.Event, sub *domain.Subscription, immediate bool) {
	now := t.clk.Now()
	rec := &domain.DeliveryRecord{
		ID:             uuid.NewString(),
		EventID:        e.ID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		SessionID:      sub.SessionID,
		Method:         domain.DeliveryMethodSession,
		Status:         domain.DeliveryPending,
		MaxAttempts:    t.cfg.MaxAttempts,
	}

	if immediate {
		t.attemptImmediate(rec, e)
	} else {
		// Handoff into the batcher's per-user queue is the observable
		// unit of work here; the batcher's own order/backpressure rules
		// own what happens to the message after this point.
		t.batcher.Add(e, sub.UserID)
		rec.Attempts = 1
		rec.LastAttemptAt = &now
		rec.MarkDelivered(now)
	}

	if err := t.store.InsertDelivery(rec); err != nil {
		logger.Errorf("delivery tracker: failed to persist delivery record for event %s: %v", e.ID, err)
	}
}

// attemptImmediate pushes e directly to sub's owning session(s),
// observing the one immediate failure mode available: no open session
// for the user at all.
func (t *Tracker) attemptImmediate(rec *domain.DeliveryRecord, e *domain.Event) {
	now := t.clk.Now()

	if !t.sessions.HasOpenSession(rec.UserID) {
		// MarkAttemptFailed counts this attempt and sets LastAttemptAt.
		rec.MarkAttemptFailed(now, t.cfg.BaseBackoff, "no open session for user")
		t.failed.Add(1)
		return
	}

	rec.Attempts++
	t.sessions.SendToUser(rec.UserID, e.ToFrame())
	rec.MarkDelivered(now)
	t.delivered.Add(1)
}

// Start launches the periodic retry sweep.
func (t *Tracker) Start() {
	t.scheduleSweep()
}

func (t *Tracker) scheduleSweep() {
	t.timer = t.clk.AfterFunc(t.cfg.SweepInterval, t.sweep)
}

func (t *Tracker) sweep() {
	select {
	case <-t.stopCh:
		return
	default:
	}

	due, err := t.store.DueRetries(t.clk.Now())
	if err != nil {
		logger.Errorf("delivery tracker: sweep query failed: %v", err)
		t.scheduleSweep()
		return
	}

	for _, rec := range due {
		t.retried.Add(1)
		t.retry(rec)
	}
	t.scheduleSweep()
}

func (t *Tracker) retry(rec *domain.DeliveryRecord) {
	e, err := t.store.GetEvent(rec.EventID)
	if err != nil {
		t.finalize(rec, "source event no longer available: "+err.Error())
		return
	}
	if e.Expired(t.clk.Now()) {
		t.finalize(rec, "event expired before retry could be attempted")
		return
	}

	t.attemptImmediate(rec, e)
	if err := t.store.UpdateDelivery(rec); err != nil {
		logger.Errorf("delivery tracker: failed to update retried record %s: %v", rec.ID, err)
	}
}

// finalize terminally fails rec without scheduling another retry: the
// source event itself is gone or expired, so no further attempt could
// ever succeed.
func (t *Tracker) finalize(rec *domain.DeliveryRecord, errMsg string) {
	rec.Attempts = rec.MaxAttempts
	rec.MarkAttemptFailed(t.clk.Now(), t.cfg.BaseBackoff, errMsg)
	t.finalized.Add(1)
	if err := t.store.UpdateDelivery(rec); err != nil {
		logger.Errorf("delivery tracker: failed to finalize record %s: %v", rec.ID, err)
	}
}

// Shutdown stops the retry sweep.
func (t *Tracker) Shutdown() {
	close(t.stopCh)
	if t.timer != nil {
		t.timer.Stop()
	}
}
