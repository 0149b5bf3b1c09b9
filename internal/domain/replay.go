package domain

import "time"

// ReplayStatus is the lifecycle state of a ReplaySession (spec.md §3).
type ReplayStatus string

const (
	ReplayPending   ReplayStatus = "pending"
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
	ReplayCancelled ReplayStatus = "cancelled"
)

// MaxReplayRange is the policy cap on (end_time - start_time).
const MaxReplayRange = 7 * 24 * time.Hour

// MinReplaySpeed and MaxReplaySpeed bound the integer speed multiplier.
const (
	MinReplaySpeed = 1
	MaxReplaySpeed = 10
)

// ReplaySession is the re-emission of persisted historical events to a
// single owner session at a requested time-scale.
type ReplaySession struct {
	ID              string      `json:"id"`
	OwnerUserID     string      `json:"owner_user_id"`
	Name            string      `json:"name"`
	Description     string      `json:"description,omitempty"`
	Filter          EventFilter `json:"filter"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"`
	SpeedMultiplier int         `json:"speed_multiplier"`
	Status          ReplayStatus `json:"status"`
	TotalEvents     int         `json:"total_events"`
	ProcessedEvents int         `json:"processed_events"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// Progress returns the completion percentage, 0-100.
func (r *ReplaySession) Progress() float64 {
	if r.TotalEvents == 0 {
		if r.Status == ReplayCompleted {
			return 100
		}
		return 0
	}
	return 100 * float64(r.ProcessedEvents) / float64(r.TotalEvents)
}

// ValidateReplayRequest enforces the constraints from spec.md §4.6/§8:
// end > start, range <= 7 days, speed in [1,10].
func ValidateReplayRequest(start, end time.Time, speed int) error {
	if !end.After(start) {
		return NewValidationError("end_time must be after start_time")
	}
	if end.Sub(start) > MaxReplayRange {
		return NewValidationError("replay range exceeds the 7 day policy cap")
	}
	if speed < MinReplaySpeed || speed > MaxReplaySpeed {
		return NewValidationError("speed_multiplier must be between 1 and 10")
	}
	return nil
}
