package store

import (
	"database/sql"
	"errors"
	"fmt"

	"muze/internal/types"
)

// StoreMessage appends a message to the subscriber's history and bumps
// last_message_at.
func (s *Store) StoreMessage(phone, direction, body string) (*types.Message, error) {
	now := s.Now()
	res, err := s.db.Exec(
		"INSERT INTO messages (phone, direction, body, created_at) VALUES (?, ?, ?, ?)",
		phone, direction, body, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(
		"UPDATE subscribers SET last_message_at = ? WHERE phone = ?",
		formatTime(now), phone); err != nil {
		return nil, fmt.Errorf("bump last_message_at: %w", err)
	}

	return &types.Message{
		ID:        id,
		Phone:     phone,
		Direction: direction,
		Body:      body,
		CreatedAt: now.UTC(),
	}, nil
}

// RecentMessages returns the subscriber's most recent messages, newest
// first, either direction.
func (s *Store) RecentMessages(phone string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.Query(`
		SELECT id, phone, direction, body, created_at, processed
		FROM messages WHERE phone = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, phone, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var created string
		var processed int
		if err := rows.Scan(&m.ID, &m.Phone, &m.Direction, &m.Body, &created, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		m.Processed = processed != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnprocessedMessages returns inbound messages awaiting human review,
// oldest first.
func (s *Store) UnprocessedMessages(limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, phone, direction, body, created_at, processed
		FROM messages WHERE processed = 0 AND direction = ?
		ORDER BY created_at ASC LIMIT ?`, types.DirectionIncoming, limit)
	if err != nil {
		return nil, fmt.Errorf("unprocessed messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var created string
		var processed int
		if err := rows.Scan(&m.ID, &m.Phone, &m.Direction, &m.Body, &created, &processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		m.Processed = processed != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkProcessed flags a message as handled.
func (s *Store) MarkProcessed(id int64) error {
	res, err := s.db.Exec("UPDATE messages SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return requireRow(res)
}

// Corpus returns the subscriber's knowledge document, empty when none
// exists yet.
func (s *Store) Corpus(phone string) (string, error) {
	var markdown string
	err := s.db.QueryRow("SELECT markdown FROM corpus WHERE phone = ?", phone).Scan(&markdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get corpus: %w", err)
	}
	return markdown, nil
}

// PutCorpus upserts the subscriber's knowledge document.
func (s *Store) PutCorpus(phone, markdown string) error {
	_, err := s.db.Exec(`
		INSERT INTO corpus (phone, markdown, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET markdown = excluded.markdown, updated_at = excluded.updated_at`,
		phone, markdown, formatTime(s.Now()))
	if err != nil {
		return fmt.Errorf("put corpus: %w", err)
	}
	return nil
}
