// Package batcher implements the MessageBatcher of spec.md §4.3: per-user
// batching of outbound event frames with configurable strategy,
// compression, priority bypass, and adaptive sizing under load.
package batcher

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Strategy selects which signal drives a flush decision (spec.md §4.3).
type Strategy string

const (
	StrategyTimeBased     Strategy = "time_based"
	StrategySizeBased     Strategy = "size_based"
	StrategyHybrid        Strategy = "hybrid"
	StrategyPriorityBased Strategy = "priority_based"
	StrategyAdaptive      Strategy = "adaptive"
)

// Config mirrors BatchingConfig from the original message batcher, ported
// to Go naming and time.Duration.
type Config struct {
	Strategy              Strategy
	MaxBatchCount         int
	MaxBatchBytes         int
	BatchTimeout          time.Duration
	CompressionEnabled    bool
	CompressionThreshold  int
	PriorityBypass        bool
	AdaptiveSizing        bool
	MaxQueueSize          int
	MinBatchCount         int
	MaxBatchTimeout       time.Duration
	LoadThreshold         float64
}

// DefaultConfig returns the defaults named in spec.md §4.3 / SPEC_FULL §4.3.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyHybrid,
		MaxBatchCount:        50,
		MaxBatchBytes:        64 * 1024,
		BatchTimeout:         time.Second,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
		PriorityBypass:       true,
		AdaptiveSizing:       true,
		MaxQueueSize:         1000,
		MinBatchCount:        5,
		MaxBatchTimeout:      5 * time.Second,
		LoadThreshold:        0.8,
	}
}

// SendFunc delivers a single user's batch frame (or bypassed single
// frame) to their session(s).
type SendFunc func(userID string, payload interface{})

// BroadcastFunc delivers a frame to every open session (user_id==nil
// dispatch path of Add).
type BroadcastFunc func(payload interface{})

// Metrics exposes the batcher's counters for spec.md §4.3's "metrics
// expose overflow counts" requirement.
type Metrics struct {
	TotalEventsProcessed int64
	TotalBatchesSent     int64
	TotalBytesSent       int64
	TotalBytesSaved      int64
	CriticalBypassed     int64
	QueueOverflows       int64
}

type userState struct {
	queue []frameEntry
	batch []domain.Frame
	timer clock.Timer
}

type frameEntry struct {
	frame    domain.Frame
	priority domain.Priority
}

// Batcher is the MessageBatcher of spec.md §4.3.
type Batcher struct {
	cfg   Config
	clock clock.Clock
	send  SendFunc
	bcast BroadcastFunc

	mu    sync.Mutex
	users map[string]*userState

	load float64

	metricsMu sync.Mutex
	metrics   Metrics
}

// New constructs a Batcher. send and bcast must be non-nil.
func New(cfg Config, clk clock.Clock, send SendFunc, bcast BroadcastFunc) *Batcher {
	return &Batcher{
		cfg:   cfg,
		clock: clk,
		send:  send,
		bcast: bcast,
		users: make(map[string]*userState),
	}
}

// SetLoad updates the batcher's current load estimate (0..1), consulted
// by adaptive sizing/timeout decisions. Callers typically derive this
// from total queued messages versus total capacity across users.
func (b *Batcher) SetLoad(load float64) {
	b.mu.Lock()
	b.load = load
	b.mu.Unlock()
}

// Add accepts event e for delivery to userID, or broadcast when userID is
// empty. Returns true if the event was queued for batching, false if it
// bypassed batching and was sent/broadcast immediately.
func (b *Batcher) Add(e *domain.Event, userID string) bool {
	if b.shouldBypass(e) {
		b.deliverImmediate(e, userID)
		b.bumpMetric(func(m *Metrics) { m.CriticalBypassed++ })
		return false
	}

	if userID == "" {
		// Broadcast messages are not batched per-user; they bypass the
		// per-user queue and deliver immediately through Broadcast, since
		// there is no single recipient queue to amortize against.
		b.deliverImmediate(e, userID)
		return false
	}

	b.enqueue(e, userID)
	b.bumpMetric(func(m *Metrics) { m.TotalEventsProcessed++ })
	return true
}

func (b *Batcher) shouldBypass(e *domain.Event) bool {
	if !b.cfg.PriorityBypass {
		return false
	}
	if e.Priority == domain.PriorityCritical || e.Priority == domain.PriorityUrgent {
		return true
	}
	return domain.IsCritical(e.Type)
}

func (b *Batcher) deliverImmediate(e *domain.Event, userID string) {
	frame := e.ToFrame()
	if userID != "" {
		b.send(userID, frame)
	} else {
		b.bcast(frame)
	}
}

func (b *Batcher) enqueue(e *domain.Event, userID string) {
	entry := frameEntry{frame: e.ToFrame(), priority: e.Priority}

	b.mu.Lock()
	st, ok := b.users[userID]
	if !ok {
		st = &userState{}
		b.users[userID] = st
	}

	st.queue = append(st.queue, entry)
	if len(st.queue)+len(st.batch) > b.cfg.MaxQueueSize {
		// The open batch holds the oldest pending frames.
		if len(st.batch) > 0 {
			st.batch = st.batch[1:]
		} else {
			st.queue = st.queue[1:]
		}
		b.mu.Unlock()
		b.bumpMetric(func(m *Metrics) { m.QueueOverflows++ })
		logger.Warnf("batcher: queue overflow for user %s, dropped oldest message", userID)
		b.mu.Lock()
	}

	if st.timer == nil {
		timeout := b.adaptiveTimeout()
		st.timer = b.clock.AfterFunc(timeout, func() { b.flush(userID) })
	}

	shouldFlush := b.drainLocked(st)
	b.mu.Unlock()

	if shouldFlush {
		b.flush(userID)
	}
}

// drainLocked moves queued entries into the open batch up to the
// adaptive batch size, returning whether the batch is now due a flush.
// Caller must hold b.mu.
func (b *Batcher) drainLocked(st *userState) bool {
	batchSize := b.adaptiveBatchSizeLocked()
	for len(st.queue) > 0 && len(st.batch) < batchSize {
		e := st.queue[0]
		st.queue = st.queue[1:]
		st.batch = append(st.batch, e.frame)
	}

	if len(st.batch) >= batchSize {
		return true
	}
	return estimateSize(st.batch) >= b.cfg.MaxBatchBytes
}

func (b *Batcher) flush(userID string) {
	b.mu.Lock()
	st, ok := b.users[userID]
	if !ok || len(st.batch) == 0 {
		if ok && st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		b.mu.Unlock()
		return
	}
	batch := st.batch
	st.batch = nil
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	if len(st.queue) > 0 {
		timeout := b.adaptiveTimeout()
		st.timer = b.clock.AfterFunc(timeout, func() { b.flush(userID) })
	}
	b.mu.Unlock()

	payload := b.prepareBatchPayload(batch)
	b.send(userID, payload)
	b.bumpMetric(func(m *Metrics) {
		m.TotalBatchesSent++
	})
}

// ForceFlush immediately flushes userID's open batch, if any. Used by
// SessionManager when a session disconnects with pending batched state.
func (b *Batcher) ForceFlush(userID string) {
	b.flush(userID)
}

// ForceFlushAll flushes every user's open batch, used at shutdown.
func (b *Batcher) ForceFlushAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.users))
	for id := range b.users {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.flush(id)
	}
}

func (b *Batcher) prepareBatchPayload(batch []domain.Frame) interface{} {
	priorities := make([]domain.Priority, 0, len(batch))
	for _, f := range batch {
		priorities = append(priorities, f.Priority)
	}

	bf := domain.BatchFrame{
		ID:        uuid.NewString(),
		Type:      domain.EventBatchedEvents,
		BatchSize: len(batch),
		Priority:  domain.HighestPriority(priorities),
		Events:    batch,
	}

	if !b.cfg.CompressionEnabled {
		return bf
	}

	raw, err := json.Marshal(bf)
	if err != nil || len(raw) < b.cfg.CompressionThreshold {
		return bf
	}

	compressed, ratio, err := gzipCompress(raw)
	if err != nil || ratio >= 0.8 {
		return bf
	}

	b.bumpMetric(func(m *Metrics) { m.TotalBytesSaved += int64(len(raw) - len(compressed)) })
	return domain.CompressedFrame{
		Compressed:       true,
		CompressionRatio: ratio,
		Data:             hexEncode(compressed),
	}
}

func (b *Batcher) adaptiveBatchSizeLocked() int {
	if !b.cfg.AdaptiveSizing {
		return b.cfg.MaxBatchCount
	}
	if b.load > b.cfg.LoadThreshold {
		return b.cfg.MaxBatchCount
	}
	size := int(float64(b.cfg.MaxBatchCount) * b.load)
	if size < b.cfg.MinBatchCount {
		return b.cfg.MinBatchCount
	}
	return size
}

func (b *Batcher) adaptiveTimeout() time.Duration {
	b.mu.Lock()
	load := b.load
	b.mu.Unlock()

	if !b.cfg.AdaptiveSizing {
		return b.cfg.BatchTimeout
	}
	if load > b.cfg.LoadThreshold {
		return b.cfg.BatchTimeout
	}
	scaled := time.Duration(float64(b.cfg.BatchTimeout) * (1 + (1 - load)))
	if scaled > b.cfg.MaxBatchTimeout {
		return b.cfg.MaxBatchTimeout
	}
	return scaled
}

func (b *Batcher) bumpMetric(f func(*Metrics)) {
	b.metricsMu.Lock()
	f(&b.metrics)
	b.metricsMu.Unlock()
}

// Snapshot returns the current batching metrics.
func (b *Batcher) Snapshot() Metrics {
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	return b.metrics
}

func estimateSize(frames []domain.Frame) int {
	raw, err := json.Marshal(frames)
	if err != nil {
		return 0
	}
	return len(raw)
}

func gzipCompress(data []byte) ([]byte, float64, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	compressed := buf.Bytes()
	ratio := float64(len(compressed)) / float64(len(data))
	return compressed, ratio, nil
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
