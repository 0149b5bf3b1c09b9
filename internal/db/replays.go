package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// InsertReplay persists a new ReplaySession in pending status.
func (r *Repository) InsertReplay(s *domain.ReplaySession) error {
	filterJSON, err := json.Marshal(s.Filter)
	if err != nil {
		return fmt.Errorf("marshal replay filter: %w", err)
	}
	_, err = r.DB.Exec(`
		INSERT INTO event_replays (id, owner_user_id, name, description, filter, start_time, end_time,
			speed_multiplier, status, total_events, processed_events, started_at, completed_at, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.OwnerUserID, s.Name, s.Description, string(filterJSON),
		s.StartTime.UTC().Format(time.RFC3339Nano), s.EndTime.UTC().Format(time.RFC3339Nano),
		s.SpeedMultiplier, string(s.Status), s.TotalEvents, s.ProcessedEvents,
		nullableTime(s.StartedAt), nullableTime(s.CompletedAt), s.ErrorMessage,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert replay: %w", err)
	}
	return nil
}

// UpdateReplay persists progress/status transitions for a running replay.
func (r *Repository) UpdateReplay(s *domain.ReplaySession) error {
	_, err := r.DB.Exec(`
		UPDATE event_replays
		SET status = ?, total_events = ?, processed_events = ?, started_at = ?, completed_at = ?, error_message = ?
		WHERE id = ?
	`, string(s.Status), s.TotalEvents, s.ProcessedEvents, nullableTime(s.StartedAt),
		nullableTime(s.CompletedAt), s.ErrorMessage, s.ID)
	return err
}

// GetReplay fetches a single replay session by id.
func (r *Repository) GetReplay(id string) (*domain.ReplaySession, error) {
	row := r.DB.QueryRow(`
		SELECT id, owner_user_id, name, description, filter, start_time, end_time,
			speed_multiplier, status, total_events, processed_events, started_at, completed_at, error_message
		FROM event_replays WHERE id = ?
	`, id)
	s, err := scanReplay(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewNotFoundError("replay session not found")
	}
	return s, err
}

func scanReplay(row *sql.Row) (*domain.ReplaySession, error) {
	var (
		s                          domain.ReplaySession
		description                sql.NullString
		filterJSON                 string
		startTime, endTime         string
		status                     string
		startedAt, completedAt     sql.NullString
	)
	err := row.Scan(&s.ID, &s.OwnerUserID, &s.Name, &description, &filterJSON, &startTime, &endTime,
		&s.SpeedMultiplier, &status, &s.TotalEvents, &s.ProcessedEvents, &startedAt, &completedAt, &s.ErrorMessage)
	if err != nil {
		return nil, err
	}
	s.Description = description.String
	s.Status = domain.ReplayStatus(status)
	if s.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if s.EndTime, err = time.Parse(time.RFC3339Nano, endTime); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	s.StartedAt = parseNullableTime(startedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	if err := json.Unmarshal([]byte(filterJSON), &s.Filter); err != nil {
		s.Filter = domain.EventFilter{}
	}
	return &s, nil
}
