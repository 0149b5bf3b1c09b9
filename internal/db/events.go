package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// InsertEvent persists a single event row. Used by the EventBus's
// persist-then-route step (spec.md §4.1 step 2).
func (r *Repository) InsertEvent(e *domain.Event) error {
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	_, err = r.DB.Exec(`
		INSERT INTO events (id, type, category, priority, severity, created_at,
			source_user_id, target_user_id, data, metadata, expires_at,
			retry_count, max_retries, is_processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, e.ID, string(e.Type), string(e.Category), string(e.Priority), string(e.Severity),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.SourceUserID, e.TargetUserID, string(dataJSON), string(metaJSON),
		nullableTime(e.ExpiresAt), e.RetryCount, e.MaxRetries)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// MarkEventProcessed flips the is_processed flag once the Bus has finished
// routing an event to its matching subscriptions.
func (r *Repository) MarkEventProcessed(id string) error {
	_, err := r.DB.Exec("UPDATE events SET is_processed = 1 WHERE id = ?", id)
	return err
}

// GetEvent fetches a single event by id.
func (r *Repository) GetEvent(id string) (*domain.Event, error) {
	row := r.DB.QueryRow(`
		SELECT id, type, category, priority, severity, created_at,
			source_user_id, target_user_id, data, metadata, expires_at,
			retry_count, max_retries
		FROM events WHERE id = ?
	`, id)
	return scanEvent(row)
}

// QueryEventsInRange returns persisted events in [start, end] ordered
// ascending by created_at, for ReplayEngine (spec.md §4.6 step 2). Filter
// matching is applied in-process after the range query since EventFilter
// is not translatable to SQL in general (custom_filters operate on opaque
// JSON payloads).
func (r *Repository) QueryEventsInRange(start, end time.Time) ([]*domain.Event, error) {
	rows, err := r.DB.Query(`
		SELECT id, type, category, priority, severity, created_at,
			source_user_id, target_user_id, data, metadata, expires_at,
			retry_count, max_retries
		FROM events
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at ASC
	`, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query events in range: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UnprocessedSince returns events created at or after cutoff that are
// still is_processed=0, used by EventBus.ReconcileUnprocessed at startup
// (grounded on the teacher's ReplayUnprocessedEvents query shape).
func (r *Repository) UnprocessedSince(cutoff time.Time) ([]*domain.Event, error) {
	rows, err := r.DB.Query(`
		SELECT id, type, category, priority, severity, created_at,
			source_user_id, target_user_id, data, metadata, expires_at,
			retry_count, max_retries
		FROM events
		WHERE is_processed = 0 AND created_at >= ?
		ORDER BY created_at ASC
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row *sql.Row) (*domain.Event, error) {
	return scanEventGeneric(row)
}

func scanEventRows(rows *sql.Rows) (*domain.Event, error) {
	return scanEventGeneric(rows)
}

func scanEventGeneric(s rowScanner) (*domain.Event, error) {
	var (
		e                                domain.Event
		typ, cat, pri, sev               string
		createdAt                        string
		sourceUserID, targetUserID       sql.NullString
		dataJSON, metaJSON               string
		expiresAt                        sql.NullString
	)
	err := s.Scan(&e.ID, &typ, &cat, &pri, &sev, &createdAt,
		&sourceUserID, &targetUserID, &dataJSON, &metaJSON, &expiresAt,
		&e.RetryCount, &e.MaxRetries)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	e.Type = domain.EventType(typ)
	e.Category = domain.Category(cat)
	e.Priority = domain.Priority(pri)
	e.Severity = domain.Severity(sev)
	e.SourceUserID = sourceUserID.String
	e.TargetUserID = targetUserID.String

	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err == nil {
			e.ExpiresAt = &t
		}
	}

	if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
		e.Data = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		e.Metadata = domain.Metadata{}
	}

	return &e, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
