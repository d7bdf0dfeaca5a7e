package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"muze/internal/types"
)

// CreatePendingNudge records a generated nudge. status is NudgePending
// for the approval queue or NudgeSent for direct-dispatch history.
func (s *Store) CreatePendingNudge(phone, topic string, weight int, body string, scheduledAt time.Time, status string) (*types.PendingNudge, error) {
	now := s.Now()
	var sentAt any
	if status == types.NudgeSent {
		sentAt = formatTime(now)
	}
	res, err := s.db.Exec(`
		INSERT INTO pending_nudges (phone, topic, weight, body, scheduled_at, status, created_at, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		phone, topic, weight, body, formatTime(scheduledAt), status, formatTime(now), sentAt)
	if err != nil {
		return nil, fmt.Errorf("create pending nudge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &types.PendingNudge{
		ID:          id,
		Phone:       phone,
		Topic:       topic,
		Weight:      weight,
		Body:        body,
		ScheduledAt: scheduledAt.UTC(),
		Status:      status,
		CreatedAt:   now.UTC(),
	}, nil
}

// HasOpenNudge reports whether a pending or approved nudge already
// exists for this subscriber and topic, to avoid queueing duplicates.
func (s *Store) HasOpenNudge(phone, topic string) (bool, error) {
	var id int64
	err := s.db.QueryRow(`
		SELECT id FROM pending_nudges
		WHERE phone = ? AND topic = ? COLLATE NOCASE AND status IN (?, ?)
		LIMIT 1`,
		phone, topic, types.NudgePending, types.NudgeApproved).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check open nudge: %w", err)
	}
	return true, nil
}

// ListNudges returns nudges, optionally filtered by status, newest first.
func (s *Store) ListNudges(status string, limit int) ([]types.PendingNudge, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, phone, topic, weight, body, scheduled_at, status, created_at, approved_at, sent_at
		FROM pending_nudges`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nudges: %w", err)
	}
	defer rows.Close()
	return scanNudges(rows)
}

// ApprovedReady returns approved nudges whose scheduled send time has
// passed.
func (s *Store) ApprovedReady(now time.Time) ([]types.PendingNudge, error) {
	rows, err := s.db.Query(`
		SELECT id, phone, topic, weight, body, scheduled_at, status, created_at, approved_at, sent_at
		FROM pending_nudges
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`,
		types.NudgeApproved, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("approved ready: %w", err)
	}
	defer rows.Close()
	return scanNudges(rows)
}

// SetNudgeStatus transitions a nudge, stamping approved_at/sent_at as
// appropriate.
func (s *Store) SetNudgeStatus(id int64, status string) error {
	now := formatTime(s.Now())
	var res sql.Result
	var err error
	switch status {
	case types.NudgeApproved:
		res, err = s.db.Exec(
			"UPDATE pending_nudges SET status = ?, approved_at = ? WHERE id = ?", status, now, id)
	case types.NudgeSent:
		res, err = s.db.Exec(
			"UPDATE pending_nudges SET status = ?, sent_at = ? WHERE id = ?", status, now, id)
	default:
		res, err = s.db.Exec(
			"UPDATE pending_nudges SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("set nudge status: %w", err)
	}
	return requireRow(res)
}

func scanNudges(rows *sql.Rows) ([]types.PendingNudge, error) {
	var nudges []types.PendingNudge
	for rows.Next() {
		var n types.PendingNudge
		var scheduled, created string
		var approved, sent sql.NullString
		if err := rows.Scan(&n.ID, &n.Phone, &n.Topic, &n.Weight, &n.Body,
			&scheduled, &n.Status, &created, &approved, &sent); err != nil {
			return nil, fmt.Errorf("scan nudge: %w", err)
		}
		n.ScheduledAt = parseTime(scheduled)
		n.CreatedAt = parseTime(created)
		n.ApprovedAt = parseNullTime(approved)
		n.SentAt = parseNullTime(sent)
		nudges = append(nudges, n)
	}
	return nudges, rows.Err()
}
