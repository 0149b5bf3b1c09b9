package domain

import "time"

// DeliveryStatus is the lifecycle state of a DeliveryRecord (spec.md §3).
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// DeliveryMethod identifies how a delivery is carried out. The core only
// implements "session"; other methods are an extension point (spec.md §9).
type DeliveryMethod string

const (
	DeliveryMethodSession DeliveryMethod = "session"
	DeliveryMethodWebhook DeliveryMethod = "webhook"
	DeliveryMethodEmail   DeliveryMethod = "email"
)

// DeliveryRecord records one attempt to push one event to one
// subscription's owner session(s).
type DeliveryRecord struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	SubscriptionID string         `json:"subscription_id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Method         DeliveryMethod `json:"method"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
	RetryAfter     *time.Time     `json:"retry_after,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
}

// MarkDelivered transitions the record to its terminal success state.
func (d *DeliveryRecord) MarkDelivered(now time.Time) {
	d.Status = DeliveryDelivered
	d.DeliveredAt = &now
	d.LastAttemptAt = &now
	d.ErrorMessage = ""
}

// MarkAttemptFailed records one failed attempt and either schedules a
// retry or terminally fails the record, per spec.md §4.5.
func (d *DeliveryRecord) MarkAttemptFailed(now time.Time, baseBackoff time.Duration, errMsg string) {
	d.Attempts++
	d.LastAttemptAt = &now
	d.ErrorMessage = errMsg
	if d.Attempts >= d.MaxAttempts {
		d.Status = DeliveryFailed
		d.FailedAt = &now
		d.RetryAfter = nil
		return
	}
	d.Status = DeliveryRetrying
	retryAfter := now.Add(baseBackoff * time.Duration(d.Attempts))
	d.RetryAfter = &retryAfter
}

// DueForRetry reports whether the record is retrying and its retry_after
// deadline has passed.
func (d *DeliveryRecord) DueForRetry(now time.Time) bool {
	return d.Status == DeliveryRetrying && d.Attempts < d.MaxAttempts &&
		d.RetryAfter != nil && !now.Before(*d.RetryAfter)
}
