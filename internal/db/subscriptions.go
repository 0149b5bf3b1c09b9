package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// InsertSubscription persists a new subscription (SubscriptionRegistry.Create).
func (r *Repository) InsertSubscription(s *domain.Subscription) error {
	filterJSON, err := json.Marshal(s.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = r.DB.Exec(`
		INSERT INTO event_subscriptions (id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.SessionID, string(filterJSON), boolToInt(s.IsActive),
		s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(s.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription persists mutated fields of an existing subscription.
func (r *Repository) UpdateSubscription(s *domain.Subscription) error {
	filterJSON, err := json.Marshal(s.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	result, err := r.DB.Exec(`
		UPDATE event_subscriptions
		SET session_id = ?, filter = ?, is_active = ?, updated_at = ?, expires_at = ?
		WHERE id = ?
	`, s.SessionID, string(filterJSON), boolToInt(s.IsActive),
		s.UpdatedAt.UTC().Format(time.RFC3339Nano), nullableTime(s.ExpiresAt), s.ID)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return domain.NewNotFoundError("subscription not found")
	}
	return nil
}

// DeleteSubscription is idempotent, per spec.md §4.2.
func (r *Repository) DeleteSubscription(id string) error {
	_, err := r.DB.Exec("DELETE FROM event_subscriptions WHERE id = ?", id)
	return err
}

// GetSubscription fetches a single subscription by id.
func (r *Repository) GetSubscription(id string) (*domain.Subscription, error) {
	row := r.DB.QueryRow(`
		SELECT id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at
		FROM event_subscriptions WHERE id = ?
	`, id)
	s, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewNotFoundError("subscription not found")
	}
	return s, err
}

// ListSubscriptionsForUser returns every subscription owned by userID,
// including inactive/expired ones (the registry filters liveness itself).
func (r *Repository) ListSubscriptionsForUser(userID string) ([]*domain.Subscription, error) {
	rows, err := r.DB.Query(`
		SELECT id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at
		FROM event_subscriptions WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAllSubscriptions loads the full subscription set, used to rebuild
// SubscriptionRegistry's in-memory index at startup.
func (r *Repository) ListAllSubscriptions() ([]*domain.Subscription, error) {
	rows, err := r.DB.Query(`
		SELECT id, user_id, session_id, filter, is_active, created_at, updated_at, expires_at
		FROM event_subscriptions
	`)
	if err != nil {
		return nil, fmt.Errorf("list all subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subscription
	for rows.Next() {
		s, err := scanSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubscription(row *sql.Row) (*domain.Subscription, error) {
	return scanSubscriptionGeneric(row)
}

func scanSubscriptionRows(rows *sql.Rows) (*domain.Subscription, error) {
	return scanSubscriptionGeneric(rows)
}

func scanSubscriptionGeneric(s rowScanner) (*domain.Subscription, error) {
	var (
		sub                       domain.Subscription
		sessionID                 sql.NullString
		filterJSON                string
		isActive                  int
		createdAt, updatedAt      string
		expiresAt                 sql.NullString
	)
	err := s.Scan(&sub.ID, &sub.UserID, &sessionID, &filterJSON, &isActive, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	sub.SessionID = sessionID.String
	sub.IsActive = isActive != 0

	if sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sub.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			sub.ExpiresAt = &t
		}
	}

	if err := json.Unmarshal([]byte(filterJSON), &sub.Filter); err != nil {
		sub.Filter = domain.EventFilter{}
	}

	return &sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
