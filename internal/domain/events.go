package domain

import (
	"time"
)

// EventType is a closed-catalogue string enum for every kind of event the
// broker can carry. New members require a matching GetCategory and, if
// critical, an entry in the CRITICAL set.
type EventType string

const (
	// Health / system
	EventHealthUpdate      EventType = "health_update"
	EventHealthAlert       EventType = "health_alert"
	EventPerformanceAlert  EventType = "performance_alert"
	EventBackupFailed      EventType = "backup_failed"
	EventRestoreFailed     EventType = "restore_failed"
	EventServiceStarted    EventType = "service_started"
	EventServiceStopped    EventType = "service_stopped"
	EventConnectionError   EventType = "connection_error"
	EventErrorOccurred     EventType = "error_occurred"

	// DNS
	EventDNSZoneCreated   EventType = "dns_zone_created"
	EventDNSZoneUpdated   EventType = "dns_zone_updated"
	EventDNSZoneDeleted   EventType = "dns_zone_deleted"
	EventDNSRecordCreated EventType = "dns_record_created"
	EventDNSRecordUpdated EventType = "dns_record_updated"
	EventDNSRecordDeleted EventType = "dns_record_deleted"
	EventZoneCreated      EventType = "zone_created"

	// Security / RPZ
	EventSecurityAlert       EventType = "security_alert"
	EventRPZRuleCreated      EventType = "rpz_rule_created"
	EventRPZRuleUpdated      EventType = "rpz_rule_updated"
	EventThreatDetected      EventType = "threat_detected"
	EventMalwareBlocked      EventType = "malware_blocked"
	EventPhishingBlocked     EventType = "phishing_blocked"
	EventSuspiciousActivity  EventType = "suspicious_activity"

	// User / admin / audit
	EventUserLogin    EventType = "user_login"
	EventUserCreated  EventType = "user_created"
	EventUserUpdated  EventType = "user_updated"

	// Broker-internal (not producer-facing, emitted by the core itself)
	EventNotificationAcknowledged EventType = "notification_acknowledged"
	EventReplayedEvent            EventType = "replayed_event"
	EventBatchedEvents            EventType = "batched_events"
)

// Category is derived from EventType via GetCategory, never stored
// independently.
type Category string

const (
	CategoryHealth        Category = "health"
	CategoryDNS           Category = "dns"
	CategorySecurity      Category = "security"
	CategoryUser          Category = "user"
	CategorySystem        Category = "system"
	CategoryConnection    Category = "connection"
	CategoryBulkOperation Category = "bulk_operation"
	CategoryError         Category = "error"
	CategoryAudit         Category = "audit"
	CategoryCustom        Category = "custom"
)

// GetCategory is the total function required by spec.md §3: every event
// type maps to exactly one category, and the mapping never changes at
// runtime.
func GetCategory(t EventType) Category {
	switch t {
	case EventHealthUpdate, EventHealthAlert, EventPerformanceAlert,
		EventBackupFailed, EventRestoreFailed:
		return CategoryHealth
	case EventDNSZoneCreated, EventDNSZoneUpdated, EventDNSZoneDeleted,
		EventDNSRecordCreated, EventDNSRecordUpdated, EventDNSRecordDeleted,
		EventZoneCreated:
		return CategoryDNS
	case EventSecurityAlert, EventRPZRuleCreated, EventRPZRuleUpdated,
		EventThreatDetected, EventMalwareBlocked, EventPhishingBlocked,
		EventSuspiciousActivity:
		return CategorySecurity
	case EventUserLogin:
		return CategoryUser
	case EventUserCreated, EventUserUpdated, EventServiceStarted:
		return CategoryAudit
	case EventServiceStopped, EventConnectionError:
		return CategorySystem
	case EventErrorOccurred:
		return CategoryError
	default:
		return CategoryCustom
	}
}

// Priority controls delivery urgency; independent of Severity.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
)

// Severity describes how bad the underlying condition is; independent of
// Priority (delivery urgency).
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// criticalEventTypes is the closed CRITICAL set from spec.md §4.7: these
// always broadcast immediately unless Emit explicitly overrides, and are
// eligible for CriticalNotifier rule matching.
var criticalEventTypes = map[EventType]bool{
	EventSecurityAlert:      true,
	EventThreatDetected:     true,
	EventMalwareBlocked:     true,
	EventPhishingBlocked:    true,
	EventSuspiciousActivity: true,
	EventHealthAlert:        true,
	EventPerformanceAlert:   true,
	EventBackupFailed:       true,
	EventRestoreFailed:      true,
	EventServiceStopped:     true,
	EventConnectionError:    true,
	EventErrorOccurred:      true,
}

// CriticalEventTypes returns every member of the CRITICAL set, for
// CriticalNotifier to register its processor against.
func CriticalEventTypes() []EventType {
	out := make([]EventType, 0, len(criticalEventTypes))
	for t := range criticalEventTypes {
		out = append(out, t)
	}
	return out
}

// IsCritical reports whether t is a member of the CRITICAL set.
func IsCritical(t EventType) bool {
	return criticalEventTypes[t]
}

// adminOnlyEventTypes may only be delivered to subscriptions owned by
// administrator users (spec.md §4.2).
var adminOnlyEventTypes = map[EventType]bool{
	EventUserCreated:   true,
	EventUserUpdated:   true,
	EventServiceStarted: true,
}

// IsAdminOnly reports whether t may only be delivered to admin subscribers.
func IsAdminOnly(t EventType) bool {
	return adminOnlyEventTypes[t]
}

// Metadata carries the out-of-band attributes of an Event.
type Metadata struct {
	SourceService   string                 `json:"source_service,omitempty"`
	SourceComponent string                 `json:"source_component,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	TraceID         string                 `json:"trace_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	CustomFields    map[string]interface{} `json:"custom_fields,omitempty"`
}

// Event is a typed, timestamped, immutable record of something the broker
// wants to announce. Data is an opaque structured payload; its shape is
// never baked into static types (spec.md §9) and is reached into only via
// the typed accessors below or EventFilter's custom-filter dotted paths.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	Category      Category               `json:"category"`
	Priority      Priority               `json:"priority"`
	Severity      Severity               `json:"severity"`
	CreatedAt     time.Time              `json:"created_at"`
	SourceUserID  string                 `json:"source_user_id,omitempty"`
	TargetUserID  string                 `json:"target_user_id,omitempty"`
	Data          map[string]interface{} `json:"data"`
	Metadata      Metadata               `json:"metadata"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// Expired reports whether the event is no longer eligible for delivery or
// retry as of now.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// GetString safely extracts a string field from Data.
func (e *Event) GetString(key string) (string, bool) {
	if e.Data == nil {
		return "", false
	}
	v, ok := e.Data[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from Data, handling the
// float64 shape produced by JSON unmarshaling.
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from Data.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetFloat64Or extracts a float64 field or returns the default value.
func (e *Event) GetFloat64Or(key string, defaultVal float64) float64 {
	if v, ok := e.GetFloat64(key); ok {
		return v
	}
	return defaultVal
}

// GetBool safely extracts a bool field from Data.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.Data == nil {
		return false, false
	}
	v, ok := e.Data[key].(bool)
	return v, ok
}

// GetBoolOr extracts a bool field or returns the default value.
func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}

// GetMap safely extracts a nested map from Data.
func (e *Event) GetMap(key string) (map[string]interface{}, bool) {
	if e.Data == nil {
		return nil, false
	}
	v, ok := e.Data[key].(map[string]interface{})
	return v, ok
}

// GetStringSlice safely extracts a string slice from Data.
func (e *Event) GetStringSlice(key string) ([]string, bool) {
	if e.Data == nil {
		return nil, false
	}
	if v, ok := e.Data[key].([]string); ok {
		return v, true
	}
	if v, ok := e.Data[key].([]interface{}); ok {
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result, true
	}
	return nil, false
}

// resolvePath walks a dotted key path (e.g. "data.queries_per_second" or
// "metadata.custom_fields.region") against the event's Data and
// Metadata.CustomFields, per spec.md §3's EventFilter custom_filters
// contract.
func (e *Event) resolvePath(path string) (interface{}, bool) {
	segs := splitDotted(path)
	if len(segs) == 0 {
		return nil, false
	}

	switch segs[0] {
	case "data":
		return walkMap(e.Data, segs[1:])
	case "metadata":
		if len(segs) >= 2 && segs[1] == "custom_fields" {
			return walkMap(e.Metadata.CustomFields, segs[2:])
		}
		return nil, false
	default:
		// Bare paths (no "data."/"metadata." prefix) resolve into data
		// first, falling back to metadata.custom_fields, per spec.md's
		// "key paths... resolve into data then metadata.custom_fields".
		if v, ok := walkMap(e.Data, segs); ok {
			return v, true
		}
		return walkMap(e.Metadata.CustomFields, segs)
	}
}

func walkMap(root map[string]interface{}, segs []string) (interface{}, bool) {
	if root == nil {
		return nil, false
	}
	var cur interface{} = root
	for _, s := range segs {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func splitDotted(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	out = append(out, path[start:])
	return out
}
