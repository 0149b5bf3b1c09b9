package domain

import "time"

// Subscription is an owner-bound, filterable standing interest in a class
// of events (spec.md §3).
type Subscription struct {
	ID        string       `json:"id"`
	UserID    string       `json:"user_id"`
	SessionID string       `json:"session_id,omitempty"`
	Filter    EventFilter  `json:"filter"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
}

// IsLive reports whether the subscription is currently eligible to match,
// per the invariant in spec.md §3: active AND (no expiry OR not yet
// expired).
func (s *Subscription) IsLive(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
		return false
	}
	return true
}

// Matches reports whether this subscription should receive event e: its
// filter accepts it, it is live, and the event's targeting is compatible
// (target_user_id absent, or equal to this subscription's owner).
func (s *Subscription) Matches(e *Event, now time.Time) bool {
	if !s.IsLive(now) {
		return false
	}
	if e.TargetUserID != "" && e.TargetUserID != s.UserID {
		return false
	}
	if IsAdminOnly(e.Type) {
		return false // caller must use MatchesAdmin for admin subscribers
	}
	return s.Filter.Matches(e)
}

// MatchesAdmin is Matches but additionally allows admin-only event types
// through, for use when the subscription's owner is a known administrator.
func (s *Subscription) MatchesAdmin(e *Event, now time.Time) bool {
	if !s.IsLive(now) {
		return false
	}
	if e.TargetUserID != "" && e.TargetUserID != s.UserID {
		return false
	}
	return s.Filter.Matches(e)
}
