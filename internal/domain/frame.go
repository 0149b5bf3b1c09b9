package domain

// Frame is the JSON wire shape of a single event, per spec.md §6's
// outbound frame contract. Marshaled with encoding/json by callers at the
// transport boundary (batcher/session), never persisted directly.
type Frame struct {
	ID           string                 `json:"id"`
	Type         EventType              `json:"type"`
	Category     Category               `json:"category"`
	Priority     Priority               `json:"priority"`
	Severity     Severity               `json:"severity"`
	Data         map[string]interface{} `json:"data"`
	Timestamp    string                 `json:"timestamp"`
	SourceUserID string                 `json:"source_user_id,omitempty"`
	TargetUserID string                 `json:"target_user_id,omitempty"`
	Metadata     FrameMetadata          `json:"metadata"`
	ExpiresAt    string                 `json:"expires_at,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
}

// FrameMetadata mirrors Metadata on the wire.
type FrameMetadata struct {
	SourceService   string                 `json:"source_service,omitempty"`
	SourceComponent string                 `json:"source_component,omitempty"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	TraceID         string                 `json:"trace_id,omitempty"`
	SessionID       string                 `json:"session_id,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	Tags            []string               `json:"tags,omitempty"`
	CustomFields    map[string]interface{} `json:"custom_fields,omitempty"`
}

// BatchFrame is the wire shape of a batched group of event frames
// (spec.md §6): `{"id", "type": "batched_events", "batch_size", "priority",
// "compressed", "events": [...]}`.
type BatchFrame struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	BatchSize int       `json:"batch_size"`
	Priority  Priority  `json:"priority"`
	Compressed bool     `json:"compressed"`
	Events    []Frame   `json:"events,omitempty"`
}

// CompressedFrame wraps a gzip-compressed payload, replacing the frame
// or batch frame it was built from on the wire.
type CompressedFrame struct {
	Compressed       bool    `json:"compressed"`
	CompressionRatio float64 `json:"compression_ratio"`
	Data             string  `json:"data"`
}

// ToFrame renders e into its wire representation.
func (e *Event) ToFrame() Frame {
	f := Frame{
		ID:           e.ID,
		Type:         e.Type,
		Category:     e.Category,
		Priority:     e.Priority,
		Severity:     e.Severity,
		Data:         e.Data,
		Timestamp:    e.CreatedAt.UTC().Format(rfc3339Milli),
		SourceUserID: e.SourceUserID,
		TargetUserID: e.TargetUserID,
		Metadata: FrameMetadata{
			SourceService:   e.Metadata.SourceService,
			SourceComponent: e.Metadata.SourceComponent,
			CorrelationID:   e.Metadata.CorrelationID,
			TraceID:         e.Metadata.TraceID,
			SessionID:       e.Metadata.SessionID,
			RequestID:       e.Metadata.RequestID,
			Tags:            e.Metadata.Tags,
			CustomFields:    e.Metadata.CustomFields,
		},
		RetryCount: e.RetryCount,
		MaxRetries: e.MaxRetries,
	}
	if e.ExpiresAt != nil {
		f.ExpiresAt = e.ExpiresAt.UTC().Format(rfc3339Milli)
	}
	return f
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// HighestPriority returns the most urgent priority among frames, for a
// batch frame's priority field. Order (low to high urgency): low, normal,
// high, critical, urgent.
func HighestPriority(priorities []Priority) Priority {
	rank := map[Priority]int{
		PriorityLow:      0,
		PriorityNormal:   1,
		PriorityHigh:     2,
		PriorityCritical: 3,
		PriorityUrgent:   4,
	}
	highest := PriorityNormal
	best := -1
	for _, p := range priorities {
		if r, ok := rank[p]; ok && r > best {
			best = r
			highest = p
		}
	}
	return highest
}
