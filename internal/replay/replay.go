// Package replay implements the ReplayEngine of spec.md §4.6: it
// materializes a window of persisted events into a single owner
// session's stream, re-emitting them at a scaled time offset from
// their original created_at spacing. Grounded on the teacher's
// EventReplayService (internal/services/event_replay.go), generalized
// from a one-shot startup reconciliation pass into a time-scaled,
// cancellable, owner-addressed worker.
package replay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Store is the replay engine's persistence dependency, implemented by
// *db.Repository.
type Store interface {
	InsertReplay(s *domain.ReplaySession) error
	UpdateReplay(s *domain.ReplaySession) error
	GetReplay(id string) (*domain.ReplaySession, error)
	QueryEventsInRange(start, end time.Time) ([]*domain.Event, error)
}

// SessionSender is the owner-addressed delivery path, bypassing both
// persistence and the Bus's normal subscription matching. Implemented
// by *session.Manager.
type SessionSender interface {
	SendToUser(userID string, payload interface{})
}

// progressEvery is how often (in emitted-event count) a running
// replay's progress is persisted, so a long replay does not hammer the
// repository on every single event.
const progressEvery = 10

// Engine is the ReplayEngine of spec.md §4.6.
type Engine struct {
	store    Store
	sessions SessionSender
	clk      clock.Clock

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// New constructs an Engine.
func New(store Store, sessions SessionSender, clk clock.Clock) *Engine {
	return &Engine{
		store:   store,
		sessions: sessions,
		clk:     clk,
		cancels: make(map[string]chan struct{}),
	}
}

// Start validates the request, persists a pending ReplaySession, and
// launches its worker in the background. It returns the session
// immediately; callers poll Status (or GetReplay via the store) for
// progress.
func (e *Engine) Start(name, ownerUserID string, filter domain.EventFilter, start, end time.Time, speed int) (*domain.ReplaySession, error) {
	if err := domain.ValidateReplayRequest(start, end, speed); err != nil {
		return nil, err
	}

	rs := &domain.ReplaySession{
		ID:              uuid.NewString(),
		OwnerUserID:     ownerUserID,
		Name:            name,
		Filter:          filter,
		StartTime:       start,
		EndTime:         end,
		SpeedMultiplier: speed,
		Status:          domain.ReplayPending,
	}
	if err := e.store.InsertReplay(rs); err != nil {
		return nil, domain.NewPersistenceError("failed to persist replay session", err)
	}

	stop := make(chan struct{})
	e.mu.Lock()
	e.cancels[rs.ID] = stop
	e.mu.Unlock()

	go e.run(rs, stop)

	return rs, nil
}

// Stop cancels a running replay cooperatively. Only the owner or an
// admin may stop it: Stop compares requestingUserID with the session's
// OwnerUserID and returns a PermissionDenied error otherwise. The caller
// supplies the requesting user id and the isAdmin flag.
func (e *Engine) Stop(replayID, requestingUserID string, isAdmin bool) error {
	rs, err := e.store.GetReplay(replayID)
	if err != nil {
		return err
	}
	if rs.OwnerUserID != requestingUserID && !isAdmin {
		return domain.NewPermissionDeniedError("only the replay owner or an admin may stop it")
	}

	e.mu.Lock()
	stop, ok := e.cancels[replayID]
	e.mu.Unlock()
	if !ok {
		return nil // already finished; nothing to cancel
	}
	close(stop)
	return nil
}

// Status returns the current persisted state of a replay session.
func (e *Engine) Status(replayID string) (*domain.ReplaySession, error) {
	return e.store.GetReplay(replayID)
}

func (e *Engine) run(rs *domain.ReplaySession, stop chan struct{}) {
	defer func() {
		e.mu.Lock()
		delete(e.cancels, rs.ID)
		e.mu.Unlock()
	}()

	now := e.clk.Now()
	rs.Status = domain.ReplayRunning
	rs.StartedAt = &now
	if err := e.store.UpdateReplay(rs); err != nil {
		logger.Errorf("replay %s: failed to mark running: %v", rs.ID, err)
	}

	events, err := e.store.QueryEventsInRange(rs.StartTime, rs.EndTime)
	if err != nil {
		e.fail(rs, "failed to load events for replay: "+err.Error())
		return
	}

	matched := events[:0:0]
	for _, ev := range events {
		if rs.Filter.Matches(ev) {
			matched = append(matched, ev)
		}
	}
	rs.TotalEvents = len(matched)

	if len(matched) == 0 {
		e.complete(rs)
		return
	}

	t0 := matched[0].CreatedAt
	r0 := e.clk.Now()

	for i, ev := range matched {
		target := r0.Add(scaledOffset(ev.CreatedAt.Sub(t0), rs.SpeedMultiplier))
		if !e.sleepUntil(target, stop) {
			e.cancel(rs)
			return
		}

		e.sessions.SendToUser(rs.OwnerUserID, replayedEventFrame(rs.ID, ev))
		rs.ProcessedEvents = i + 1

		if rs.ProcessedEvents%progressEvery == 0 {
			if err := e.store.UpdateReplay(rs); err != nil {
				logger.Warnf("replay %s: failed to persist progress: %v", rs.ID, err)
			}
		}
	}

	e.complete(rs)
}

// scaledOffset divides a real event-spacing duration by the integer
// speed multiplier, per spec.md §4.6 step 4's
// "target_wall_time = R0 + (tᵢ − t0) / speed".
func scaledOffset(d time.Duration, speed int) time.Duration {
	if speed <= 0 {
		speed = 1
	}
	return d / time.Duration(speed)
}

// sleepUntil blocks until target or stop fires, whichever is first. It
// returns false if cancelled.
func (e *Engine) sleepUntil(target time.Time, stop chan struct{}) bool {
	d := target.Sub(e.clk.Now())
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	fired := make(chan struct{})
	timer := e.clk.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-stop:
		timer.Stop()
		return false
	}
}

func (e *Engine) complete(rs *domain.ReplaySession) {
	now := e.clk.Now()
	rs.Status = domain.ReplayCompleted
	rs.CompletedAt = &now
	if rs.TotalEvents == 0 {
		rs.ProcessedEvents = 0
	}
	if err := e.store.UpdateReplay(rs); err != nil {
		logger.Errorf("replay %s: failed to mark completed: %v", rs.ID, err)
	}
}

func (e *Engine) cancel(rs *domain.ReplaySession) {
	now := e.clk.Now()
	rs.Status = domain.ReplayCancelled
	rs.CompletedAt = &now
	if err := e.store.UpdateReplay(rs); err != nil {
		logger.Errorf("replay %s: failed to mark cancelled: %v", rs.ID, err)
	}
}

func (e *Engine) fail(rs *domain.ReplaySession, errMsg string) {
	now := e.clk.Now()
	rs.Status = domain.ReplayFailed
	rs.ErrorMessage = errMsg
	rs.CompletedAt = &now
	if err := e.store.UpdateReplay(rs); err != nil {
		logger.Errorf("replay %s: failed to mark failed: %v", rs.ID, err)
	}
}

// replayedEventFrame wraps an original event's payload for owner-only
// re-emission, kept distinguishable on the wire from a live event so
// clients can tell historical replay traffic apart from the present
// (spec.md §4.6 step 4: "a replayed event wrapper").
func replayedEventFrame(replayID string, e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      "replayed_event",
		"timestamp": e.CreatedAt.UTC().Format(time.RFC3339),
		"data": map[string]interface{}{
			"replay_id": replayID,
			"event":     e.ToFrame(),
		},
	}
}
