// Package eventbus implements the ingress queue, global filter chain, and
// in-process processor pipeline at the center of the broadcasting
// subsystem (spec.md §4.1). It does not itself know how to batch or write
// to a session — that is the DeliveryDispatcher's job — so the Bus stays
// small and is easy to drive deterministically in tests.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// EventStore is the Bus's persistence dependency. Implemented by
// *db.Repository in production; fakeable in tests.
type EventStore interface {
	InsertEvent(e *domain.Event) error
	MarkEventProcessed(id string) error
	UnprocessedSince(cutoff time.Time) ([]*domain.Event, error)
}

// SubscriptionMatcher answers "which subscriptions match event E?"
// (spec.md §4.2). Implemented by *subscriptions.Registry.
type SubscriptionMatcher interface {
	Match(e *domain.Event) []*domain.Subscription
}

// DeliveryDispatcher creates a DeliveryRecord for (event, subscription)
// and carries out the actual hand-off to MessageBatcher or SessionManager
// (spec.md §4.1 step 6, owned in detail by §4.5's DeliveryTracker).
type DeliveryDispatcher interface {
	Dispatch(e *domain.Event, sub *domain.Subscription, immediate bool)
}

// GlobalFilter is a predicate evaluated against every event before
// persistence and routing; returning false drops the event.
type GlobalFilter func(e *domain.Event) bool

// Processor is an in-process callback invoked after persistence and
// before broadcast. Handlers for one event type run sequentially in
// registration order; a panic or error is logged and does not abort the
// remaining processors or the broadcast step.
type Processor func(e *domain.Event) error

// EmitOptions controls per-call behavior of Emit.
type EmitOptions struct {
	// Persist writes the event to the EventStore before routing. The zero
	// value EmitOptions{} does not persist; DefaultEmitOptions sets it.
	Persist bool

	// BroadcastImmediately, when non-nil, overrides the
	// critical/urgent-derived default (spec.md §4.1 step 4).
	BroadcastImmediately *bool
}

// DefaultEmitOptions returns the common case: persist the event, let
// immediacy be derived from its type/priority.
func DefaultEmitOptions() EmitOptions {
	return EmitOptions{Persist: true}
}

// Stats exposes the Bus's absorbed-error counters (spec.md §7: queue
// full and persistence failures are metered, not surfaced to Emit's
// caller).
type Stats struct {
	Filtered        int64
	QueueFull       int64
	PersistFailures int64
	Processed       int64
}

// Bus is the EventBus of spec.md §4.1: a bounded ingress queue, a worker
// pool draining it, a global filter chain, and ordered in-process
// processors, handing routed events off to a DeliveryDispatcher.
type Bus struct {
	store      EventStore
	matcher    SubscriptionMatcher
	dispatcher DeliveryDispatcher

	queue   chan *queuedEvent
	workers int

	filtersMu sync.RWMutex
	filters   []GlobalFilter

	processorsMu sync.RWMutex
	processors   map[domain.EventType][]Processor

	stopCh chan struct{}
	wg     sync.WaitGroup

	filtered        atomic.Int64
	queueFull       atomic.Int64
	persistFailures atomic.Int64
	processed       atomic.Int64
}

type queuedEvent struct {
	event *domain.Event
	opts  EmitOptions
}

// Config bounds the Bus's ingress queue and worker pool (spec.md §4.1,
// tunable via config.Config.BusQueueSize/BusWorkerCount).
type Config struct {
	QueueSize   int
	WorkerCount int
}

// New constructs a Bus. Call Start to launch its worker pool.
func New(store EventStore, matcher SubscriptionMatcher, dispatcher DeliveryDispatcher, cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 8
	}
	return &Bus{
		store:      store,
		matcher:    matcher,
		dispatcher: dispatcher,
		queue:      make(chan *queuedEvent, cfg.QueueSize),
		workers:    cfg.WorkerCount,
		processors: make(map[domain.EventType][]Processor),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker pool. Call once after construction.
func (b *Bus) Start() {
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for qe := range b.queue {
		b.process(qe.event, qe.opts)
	}
}

// Shutdown closes the ingress queue and waits for the workers to process
// every event already queued.
func (b *Bus) Shutdown() {
	close(b.stopCh)
	close(b.queue)
	b.wg.Wait()
	logger.Infof("EventBus shutdown complete")
}

// AddGlobalFilter registers a predicate evaluated, in registration order,
// against every event before persistence and routing.
func (b *Bus) AddGlobalFilter(f GlobalFilter) {
	b.filtersMu.Lock()
	defer b.filtersMu.Unlock()
	b.filters = append(b.filters, f)
}

// RegisterProcessor registers an in-process callback for eventType,
// invoked in registration order after persistence and before broadcast.
func (b *Bus) RegisterProcessor(eventType domain.EventType, p Processor) {
	b.processorsMu.Lock()
	defer b.processorsMu.Unlock()
	b.processors[eventType] = append(b.processors[eventType], p)
}

// Emit accepts event from a producer (spec.md §4.1). It assigns an id and
// creation time if unset, then enqueues for asynchronous processing. If
// the ingress queue is saturated, Emit falls back to synchronous inline
// processing rather than blocking indefinitely — this is a best-effort
// path and is metered via Stats.QueueFull, not surfaced as an error
// (spec.md §7).
func (b *Bus) Emit(event *domain.Event, opts EmitOptions) (string, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.MaxRetries == 0 {
		event.MaxRetries = 3
	}

	qe := &queuedEvent{event: event, opts: opts}
	select {
	case b.queue <- qe:
	default:
		b.queueFull.Add(1)
		logger.Warnf("EventBus ingress queue full, processing event %s inline", event.ID)
		b.process(event, opts)
	}
	return event.ID, nil
}

// process runs the full per-event algorithm of spec.md §4.1.
func (b *Bus) process(e *domain.Event, opts EmitOptions) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("EventBus: recovered from panic processing event %s: %v", e.ID, r)
		}
	}()

	// 1. Global filters, in registration order.
	b.filtersMu.RLock()
	filters := make([]GlobalFilter, len(b.filters))
	copy(filters, b.filters)
	b.filtersMu.RUnlock()

	for _, f := range filters {
		if !f(e) {
			b.filtered.Add(1)
			return
		}
	}

	// 2. Persist (availability over durability: failure is logged, not fatal).
	if opts.Persist {
		if err := b.store.InsertEvent(e); err != nil {
			b.persistFailures.Add(1)
			logger.Errorf("EventBus: failed to persist event %s: %v", e.ID, err)
		}
	}

	// 3. In-process processors, sequential, errors logged not fatal.
	b.processorsMu.RLock()
	procs := append([]Processor(nil), b.processors[e.Type]...)
	b.processorsMu.RUnlock()

	for _, p := range procs {
		if err := b.runProcessor(p, e); err != nil {
			logger.Errorf("EventBus: processor error for event %s (%s): %v", e.ID, e.Type, err)
		}
	}

	// 4. Determine broadcast mode.
	immediate := domain.IsCritical(e.Type) || e.Priority == domain.PriorityCritical || e.Priority == domain.PriorityUrgent
	if opts.BroadcastImmediately != nil {
		immediate = *opts.BroadcastImmediately
	}

	// 5-6. Match subscriptions and dispatch. SubscriptionMatcher already
	// enforces target_user_id/admin-only semantics (spec.md §4.2).
	subs := b.matcher.Match(e)
	for _, sub := range subs {
		b.dispatcher.Dispatch(e, sub, immediate)
	}

	if opts.Persist {
		if err := b.store.MarkEventProcessed(e.ID); err != nil {
			logger.Debugf("EventBus: failed to mark event %s processed: %v", e.ID, err)
		}
	}

	b.processed.Add(1)
}

func (b *Bus) runProcessor(p Processor, e *domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverToError(r)
		}
	}()
	return p(e)
}

func recoverToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return domain.NewValidationError("processor panic")
}

// ReconcileUnprocessed re-routes events persisted but never marked
// processed before a restart (e.g. the process crashed mid-worker-pool).
// Grounded on the teacher's EventReplayService.ReplayUnprocessedEvents
// query shape, generalized from a corruption-lifecycle check to delivery
// bookkeeping.
func (b *Bus) ReconcileUnprocessed(since time.Time) (int, error) {
	events, err := b.store.UnprocessedSince(since)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		opts := EmitOptions{Persist: false} // already persisted; don't re-insert
		b.process(e, opts)
	}
	return len(events), nil
}

// Snapshot returns the current absorbed-error counters.
func (b *Bus) Snapshot() Stats {
	return Stats{
		Filtered:        b.filtered.Load(),
		QueueFull:       b.queueFull.Load(),
		PersistFailures: b.persistFailures.Load(),
		Processed:       b.processed.Load(),
	}
}
