package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// InsertNotification persists a new CriticalNotification.
func (r *Repository) InsertNotification(n *domain.CriticalNotification) error {
	target, _ := json.Marshal(n.TargetUserIDs)
	notified, _ := json.Marshal(n.NotifiedUserIDs)
	attempted, _ := json.Marshal(n.ChannelsAttempted)
	successful, _ := json.Marshal(n.ChannelsSuccessful)
	errMsgs, _ := json.Marshal(n.ErrorMessages)

	_, err := r.DB.Exec(`
		INSERT INTO critical_notifications (id, event_id, rule_id, created_at, first_sent_at, last_sent_at,
			acknowledged_at, acknowledged_by, escalation_level, escalation_count, delivery_attempts,
			target_user_ids, notified_user_ids, channels_attempted, channels_successful, failed_deliveries, error_messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.EventID, n.RuleID, n.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(n.FirstSentAt), nullableTime(n.LastSentAt), nullableTime(n.AcknowledgedAt),
		n.AcknowledgedBy, string(n.EscalationLevel), n.EscalationCount, n.DeliveryAttempts,
		string(target), string(notified), string(attempted), string(successful), n.FailedDeliveries, string(errMsgs))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// UpdateNotification persists escalation/ack/delivery state changes.
func (r *Repository) UpdateNotification(n *domain.CriticalNotification) error {
	notified, _ := json.Marshal(n.NotifiedUserIDs)
	attempted, _ := json.Marshal(n.ChannelsAttempted)
	successful, _ := json.Marshal(n.ChannelsSuccessful)
	errMsgs, _ := json.Marshal(n.ErrorMessages)

	_, err := r.DB.Exec(`
		UPDATE critical_notifications
		SET first_sent_at = ?, last_sent_at = ?, acknowledged_at = ?, acknowledged_by = ?,
			escalation_level = ?, escalation_count = ?, delivery_attempts = ?,
			notified_user_ids = ?, channels_attempted = ?, channels_successful = ?,
			failed_deliveries = ?, error_messages = ?
		WHERE id = ?
	`, nullableTime(n.FirstSentAt), nullableTime(n.LastSentAt), nullableTime(n.AcknowledgedAt), n.AcknowledgedBy,
		string(n.EscalationLevel), n.EscalationCount, n.DeliveryAttempts,
		string(notified), string(attempted), string(successful), n.FailedDeliveries, string(errMsgs), n.ID)
	return err
}

// GetNotification fetches a single notification by id.
func (r *Repository) GetNotification(id string) (*domain.CriticalNotification, error) {
	row := r.DB.QueryRow(notificationSelect+" WHERE id = ?", id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewNotFoundError("notification not found")
	}
	return n, err
}

// DueForEscalationNotifications returns unacknowledged notifications,
// for CriticalNotifier's escalation monitor to evaluate against the
// per-rule timeout formula in-process (the SQL layer cannot know each
// rule's escalation_timeout/max_level).
func (r *Repository) DueForEscalationNotifications() ([]*domain.CriticalNotification, error) {
	rows, err := r.DB.Query(notificationSelect + " WHERE acknowledged_at IS NULL")
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged notifications: %w", err)
	}
	defer rows.Close()

	var out []*domain.CriticalNotification
	for rows.Next() {
		n, err := scanNotificationRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PurgeNotifications deletes acknowledged notifications older than
// ackedBefore and unacknowledged notifications older than unackedBefore
// (spec.md §4.7 state hygiene: 24h history move, 7d force-archive).
func (r *Repository) PurgeNotifications(ackedBefore, unackedBefore time.Time) error {
	_, err := r.DB.Exec(`
		DELETE FROM critical_notifications
		WHERE (acknowledged_at IS NOT NULL AND acknowledged_at < ?)
		   OR (acknowledged_at IS NULL AND created_at < ?)
	`, ackedBefore.UTC().Format(time.RFC3339Nano), unackedBefore.UTC().Format(time.RFC3339Nano))
	return err
}

const notificationSelect = `
	SELECT id, event_id, rule_id, created_at, first_sent_at, last_sent_at, acknowledged_at, acknowledged_by,
		escalation_level, escalation_count, delivery_attempts, target_user_ids, notified_user_ids,
		channels_attempted, channels_successful, failed_deliveries, error_messages
	FROM critical_notifications`

func scanNotification(row *sql.Row) (*domain.CriticalNotification, error) {
	return scanNotificationGeneric(row)
}

func scanNotificationRows(rows *sql.Rows) (*domain.CriticalNotification, error) {
	return scanNotificationGeneric(rows)
}

func scanNotificationGeneric(s rowScanner) (*domain.CriticalNotification, error) {
	var (
		n                                              domain.CriticalNotification
		createdAt                                      string
		firstSentAt, lastSentAt, acknowledgedAt         sql.NullString
		acknowledgedBy                                  sql.NullString
		escalationLevel                                 string
		target, notified, attempted, successful, errMsg string
	)
	err := s.Scan(&n.ID, &n.EventID, &n.RuleID, &createdAt, &firstSentAt, &lastSentAt, &acknowledgedAt,
		&acknowledgedBy, &escalationLevel, &n.EscalationCount, &n.DeliveryAttempts,
		&target, &notified, &attempted, &successful, &n.FailedDeliveries, &errMsg)
	if err != nil {
		return nil, err
	}

	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	n.FirstSentAt = parseNullableTime(firstSentAt)
	n.LastSentAt = parseNullableTime(lastSentAt)
	n.AcknowledgedAt = parseNullableTime(acknowledgedAt)
	n.AcknowledgedBy = acknowledgedBy.String
	n.EscalationLevel = domain.EscalationLevel(escalationLevel)

	_ = json.Unmarshal([]byte(target), &n.TargetUserIDs)
	_ = json.Unmarshal([]byte(notified), &n.NotifiedUserIDs)
	_ = json.Unmarshal([]byte(attempted), &n.ChannelsAttempted)
	_ = json.Unmarshal([]byte(successful), &n.ChannelsSuccessful)
	_ = json.Unmarshal([]byte(errMsg), &n.ErrorMessages)

	return &n, nil
}
