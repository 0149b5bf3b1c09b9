package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// InsertDelivery creates a DeliveryRecord row, assigning an id if unset.
func (r *Repository) InsertDelivery(d *domain.DeliveryRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.DB.Exec(`
		INSERT INTO event_deliveries (id, event_id, subscription_id, user_id, session_id,
			method, status, attempts, max_attempts, last_attempt_at, delivered_at,
			failed_at, retry_after, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.EventID, d.SubscriptionID, d.UserID, d.SessionID, string(d.Method), string(d.Status),
		d.Attempts, d.MaxAttempts, nullableTime(d.LastAttemptAt), nullableTime(d.DeliveredAt),
		nullableTime(d.FailedAt), nullableTime(d.RetryAfter), d.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery persists a record's post-attempt state (delivered,
// retrying, or terminally failed).
func (r *Repository) UpdateDelivery(d *domain.DeliveryRecord) error {
	_, err := r.DB.Exec(`
		UPDATE event_deliveries
		SET status = ?, attempts = ?, last_attempt_at = ?, delivered_at = ?,
			failed_at = ?, retry_after = ?, error_message = ?
		WHERE id = ?
	`, string(d.Status), d.Attempts, nullableTime(d.LastAttemptAt), nullableTime(d.DeliveredAt),
		nullableTime(d.FailedAt), nullableTime(d.RetryAfter), d.ErrorMessage, d.ID)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// DueRetries returns retrying deliveries whose retry_after has passed,
// for DeliveryTracker's background sweeper (spec.md §4.5).
func (r *Repository) DueRetries(now time.Time) ([]*domain.DeliveryRecord, error) {
	rows, err := r.DB.Query(`
		SELECT id, event_id, subscription_id, user_id, session_id, method, status,
			attempts, max_attempts, last_attempt_at, delivered_at, failed_at, retry_after, error_message
		FROM event_deliveries
		WHERE status = 'retrying' AND attempts < max_attempts AND retry_after <= ?
	`, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query due retries: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeliveryRecord
	for rows.Next() {
		d, err := scanDeliveryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDeliveryRows(rows *sql.Rows) (*domain.DeliveryRecord, error) {
	var (
		d                                                        domain.DeliveryRecord
		sessionID                                                sql.NullString
		method, status                                           string
		lastAttemptAt, deliveredAt, failedAt, retryAfter         sql.NullString
	)
	err := rows.Scan(&d.ID, &d.EventID, &d.SubscriptionID, &d.UserID, &sessionID, &method, &status,
		&d.Attempts, &d.MaxAttempts, &lastAttemptAt, &deliveredAt, &failedAt, &retryAfter, &d.ErrorMessage)
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	d.SessionID = sessionID.String
	d.Method = domain.DeliveryMethod(method)
	d.Status = domain.DeliveryStatus(status)
	d.LastAttemptAt = parseNullableTime(lastAttemptAt)
	d.DeliveredAt = parseNullableTime(deliveredAt)
	d.FailedAt = parseNullableTime(failedAt)
	d.RetryAfter = parseNullableTime(retryAfter)
	return &d, nil
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
