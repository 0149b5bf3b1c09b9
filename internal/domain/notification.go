package domain

import "time"

// EscalationLevel is the deadline-based escalation ladder of spec.md §4.7.
type EscalationLevel string

const (
	EscalationNone EscalationLevel = "none"
	EscalationL1   EscalationLevel = "L1"
	EscalationL2   EscalationLevel = "L2"
	EscalationL3   EscalationLevel = "L3"
	EscalationL4   EscalationLevel = "L4"
)

// escalationOrder indexes the ladder so "next level" and "max level
// reached" are simple integer comparisons.
var escalationOrder = map[EscalationLevel]int{
	EscalationNone: 0,
	EscalationL1:   1,
	EscalationL2:   2,
	EscalationL3:   3,
	EscalationL4:   4,
}

// NextEscalationLevel returns the level one step past cur, or cur itself
// if already at L4.
func NextEscalationLevel(cur EscalationLevel) EscalationLevel {
	switch cur {
	case EscalationNone:
		return EscalationL1
	case EscalationL1:
		return EscalationL2
	case EscalationL2:
		return EscalationL3
	case EscalationL3:
		return EscalationL4
	default:
		return EscalationL4
	}
}

// LevelAtOrBelow reports whether level is <= max on the ladder.
func LevelAtOrBelow(level, max EscalationLevel) bool {
	return escalationOrder[level] <= escalationOrder[max]
}

// CriticalNotification tracks one rule match against one critical event,
// through delivery, escalation, and acknowledgement.
type CriticalNotification struct {
	ID                string          `json:"id"`
	EventID           string          `json:"event_id"`
	RuleID            string          `json:"rule_id"`
	CreatedAt         time.Time       `json:"created_at"`
	FirstSentAt       *time.Time      `json:"first_sent_at,omitempty"`
	LastSentAt        *time.Time      `json:"last_sent_at,omitempty"`
	AcknowledgedAt    *time.Time      `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string          `json:"acknowledged_by,omitempty"`
	EscalationLevel   EscalationLevel `json:"escalation_level"`
	EscalationCount   int             `json:"escalation_count"`
	DeliveryAttempts  int             `json:"delivery_attempts"`
	TargetUserIDs     []string        `json:"target_user_ids"`
	NotifiedUserIDs   []string        `json:"notified_user_ids"`
	ChannelsAttempted []string        `json:"channels_attempted"`
	ChannelsSuccessful []string       `json:"channels_successful"`
	FailedDeliveries  int             `json:"failed_deliveries"`
	ErrorMessages     []string        `json:"error_messages,omitempty"`
}

// Acknowledged reports whether this notification has been acked.
func (n *CriticalNotification) Acknowledged() bool {
	return n.AcknowledgedAt != nil
}

// Acknowledge sets the ack fields idempotently: repeated calls after the
// first are no-ops (spec.md §8's idempotence law).
func (n *CriticalNotification) Acknowledge(now time.Time, userID string) bool {
	if n.Acknowledged() {
		return false
	}
	n.AcknowledgedAt = &now
	n.AcknowledgedBy = userID
	return true
}

// DueForEscalation implements spec.md §4.7's escalation formula: the
// n-th escalation fires when (now - first_sent_at) >=
// escalation_timeout * (escalation_count + 1) and max level not reached.
func (n *CriticalNotification) DueForEscalation(now time.Time, escalationTimeout time.Duration, maxLevel EscalationLevel) bool {
	if n.Acknowledged() {
		return false
	}
	if n.FirstSentAt == nil {
		return false
	}
	if LevelAtOrBelow(maxLevel, n.EscalationLevel) && n.EscalationLevel != EscalationNone {
		// already at or past the rule's max level
		if escalationOrder[n.EscalationLevel] >= escalationOrder[maxLevel] {
			return false
		}
	}
	deadline := escalationTimeout * time.Duration(n.EscalationCount+1)
	return now.Sub(*n.FirstSentAt) >= deadline
}

// CriticalEventRule specifies matching criteria and escalation/channel
// policy for a class of critical events (spec.md §4.7).
type CriticalEventRule struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	EventTypes        []EventType     `json:"event_types,omitempty"`
	Categories        []Category      `json:"categories,omitempty"`
	Severities        []Severity      `json:"severities,omitempty"`
	Priorities        []Priority      `json:"priorities,omitempty"`
	TargetUserIDs     []string        `json:"target_user_ids,omitempty"`
	AllAdmins         bool            `json:"all_admins"`
	EscalationEnabled bool            `json:"escalation_enabled"`
	EscalationTimeout time.Duration   `json:"escalation_timeout"`
	MaxEscalationLevel EscalationLevel `json:"max_escalation_level"`
	Channels          []string        `json:"channels"` // "session" is always implicitly included
}

// Matches reports whether e falls within this rule's matching criteria.
func (r *CriticalEventRule) Matches(e *Event) bool {
	if len(r.EventTypes) > 0 && !containsType(r.EventTypes, e.Type) {
		return false
	}
	if len(r.Categories) > 0 && !containsCategory(r.Categories, e.Category) {
		return false
	}
	if len(r.Severities) > 0 && !containsSeverity(r.Severities, e.Severity) {
		return false
	}
	if len(r.Priorities) > 0 && !containsPriority(r.Priorities, e.Priority) {
		return false
	}
	return true
}
