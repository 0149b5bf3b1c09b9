package domain

import "time"

// SessionKind identifies the connection-type a client opened with; it only
// seeds default subscribed_event_types (spec.md §9's Open Question
// resolution), it does not create a second subscription mechanism.
type SessionKind string

const (
	SessionUnified       SessionKind = "unified"
	SessionHealth        SessionKind = "health"
	SessionDNSManagement SessionKind = "dns_management"
	SessionSecurity      SessionKind = "security"
	SessionSystem        SessionKind = "system"
	SessionAdmin         SessionKind = "admin"
)

// DefaultSubscribedEventTypes implements SPEC_FULL.md §12's per-kind
// default subscription seeding.
func DefaultSubscribedEventTypes(kind SessionKind) []EventType {
	switch kind {
	case SessionHealth:
		return []EventType{EventHealthUpdate, EventHealthAlert, EventPerformanceAlert, EventBackupFailed, EventRestoreFailed}
	case SessionDNSManagement:
		return []EventType{EventDNSZoneCreated, EventDNSZoneUpdated, EventDNSZoneDeleted,
			EventDNSRecordCreated, EventDNSRecordUpdated, EventDNSRecordDeleted, EventZoneCreated}
	case SessionSecurity:
		return []EventType{EventSecurityAlert, EventRPZRuleCreated, EventRPZRuleUpdated,
			EventThreatDetected, EventMalwareBlocked, EventPhishingBlocked, EventSuspiciousActivity}
	case SessionSystem:
		return []EventType{EventServiceStarted, EventServiceStopped, EventConnectionError, EventErrorOccurred}
	case SessionAdmin:
		return []EventType{EventUserLogin, EventUserCreated, EventUserUpdated}
	default: // SessionUnified
		return nil // nil = no implied restriction; unified sees everything its subscriptions allow
	}
}

// SessionState is the lifecycle of a bidirectional client connection
// (spec.md §4.4).
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionOpen       SessionState = "open"
	SessionDraining   SessionState = "draining"
	SessionClosed     SessionState = "closed"
)

// Close codes and reasons, stable per spec.md §6.
const (
	CloseCodeAuthRequired     = 1008
	CloseCodeInvalidKind      = 1008
	CloseCodeTooManyForUser   = 1008
	CloseCodeServerOverloaded = 1013
	CloseCodeIdle             = 1000

	CloseReasonAuthRequired     = "Authentication token required"
	CloseReasonInvalidKind      = "Invalid connection type"
	CloseReasonTooManyForUser   = "Too many connections for this user"
	CloseReasonServerOverloaded = "Server overloaded - too many connections"
	CloseReasonIdle             = "Idle timeout"
)

// SessionInfo is the read-only snapshot of a live session exposed to
// get_user_connections (Manager.SessionsForUser).
type SessionInfo struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	Kind                 SessionKind `json:"kind"`
	ConnectedAt          time.Time   `json:"connected_at"`
	LastSeenAt           time.Time   `json:"last_seen_at"`
	MessageCount         int64       `json:"message_count"`
	SubscribedEventTypes []EventType `json:"subscribed_event_types"`
}
