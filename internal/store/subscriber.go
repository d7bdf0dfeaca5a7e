package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"muze/internal/types"
)

// ErrNotFound reports a missing subscriber or nudge.
var ErrNotFound = errors.New("store: not found")

const subscriberColumns = `phone, display_name, timezone, quiet_hours_start, quiet_hours_end,
	onboarding_step, last_interaction_at, last_message_at, created_at, open_loops, pending_questions`

func (s *Store) scanSubscriber(row interface{ Scan(...any) error }) (*types.Subscriber, error) {
	var sub types.Subscriber
	var lastInteraction sql.NullString
	var lastMessage, created, loopsJSON, questionsJSON string

	err := row.Scan(&sub.Phone, &sub.DisplayName, &sub.Timezone,
		&sub.QuietHoursStart, &sub.QuietHoursEnd, &sub.OnboardingStep,
		&lastInteraction, &lastMessage, &created, &loopsJSON, &questionsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}

	sub.LastInteractionAt = parseNullTime(lastInteraction)
	sub.LastMessageAt = parseTime(lastMessage)
	sub.CreatedAt = parseTime(created)

	sub.OpenLoops = make(map[string]types.OpenLoop)
	if err := json.Unmarshal([]byte(loopsJSON), &sub.OpenLoops); err != nil {
		// A corrupt loop map must not make the subscriber unreadable.
		s.log.Error("corrupt open_loops JSON, treating as empty",
			zap.String("phone", sub.Phone), zap.Error(err))
		sub.OpenLoops = make(map[string]types.OpenLoop)
	}
	if err := json.Unmarshal([]byte(questionsJSON), &sub.PendingQuestions); err != nil {
		s.log.Error("corrupt pending_questions JSON, treating as empty",
			zap.String("phone", sub.Phone), zap.Error(err))
		sub.PendingQuestions = nil
	}

	return &sub, nil
}

// Get fetches one subscriber.
func (s *Store) Get(phone string) (*types.Subscriber, error) {
	row := s.db.QueryRow(
		fmt.Sprintf("SELECT %s FROM subscribers WHERE phone = ?", subscriberColumns), phone)
	return s.scanSubscriber(row)
}

// GetOrCreate fetches a subscriber, creating the row with configured
// defaults on first contact.
func (s *Store) GetOrCreate(phone string) (*types.Subscriber, error) {
	sub, err := s.Get(phone)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := formatTime(s.Now())
	_, err = s.db.Exec(`
		INSERT INTO subscribers (phone, timezone, quiet_hours_start, quiet_hours_end, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO NOTHING`,
		phone, s.defaults.Timezone, s.defaults.QuietStart, s.defaults.QuietEnd, now, now)
	if err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}

	s.log.Info("subscriber created", zap.String("phone", phone))
	return s.Get(phone)
}

// List returns all subscribers, newest first.
func (s *Store) List() ([]*types.Subscriber, error) {
	return s.querySubscribers(
		fmt.Sprintf("SELECT %s FROM subscribers ORDER BY created_at DESC", subscriberColumns))
}

// ListDispatchable returns every subscriber eligible for proactive
// dispatch: onboarding complete, nothing else filtered here.
func (s *Store) ListDispatchable() ([]*types.Subscriber, error) {
	return s.querySubscribers(
		fmt.Sprintf("SELECT %s FROM subscribers WHERE onboarding_step = ? ORDER BY phone", subscriberColumns),
		types.StepComplete)
}

func (s *Store) querySubscribers(query string, args ...any) ([]*types.Subscriber, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*types.Subscriber
	for rows.Next() {
		sub, err := s.scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// UpdateDisplayName sets the subscriber's display name.
func (s *Store) UpdateDisplayName(phone, name string) error {
	return s.updateField(phone, "display_name", name)
}

// UpdateTimezone sets the subscriber's IANA timezone.
func (s *Store) UpdateTimezone(phone, tz string) error {
	return s.updateField(phone, "timezone", tz)
}

// UpdateQuietHours sets the local-time do-not-disturb window.
func (s *Store) UpdateQuietHours(phone string, start, end int) error {
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return fmt.Errorf("quiet hours out of range: %d-%d", start, end)
	}
	res, err := s.db.Exec(
		"UPDATE subscribers SET quiet_hours_start = ?, quiet_hours_end = ? WHERE phone = ?",
		start, end, phone)
	if err != nil {
		return fmt.Errorf("update quiet hours: %w", err)
	}
	return requireRow(res)
}

// SetOnboardingStep advances the onboarding step. Steps are monotonic:
// a write lower than the current step is silently ignored, so replayed
// webhooks can never move a subscriber backwards. Use ResetOnboarding
// for the explicit operator override.
func (s *Store) SetOnboardingStep(phone string, step int) error {
	_, err := s.db.Exec(
		"UPDATE subscribers SET onboarding_step = ? WHERE phone = ? AND onboarding_step <= ?",
		step, phone, step)
	if err != nil {
		return fmt.Errorf("set onboarding step: %w", err)
	}
	return nil
}

// ResetOnboarding is the explicit operator override: back to step 0 with
// a cleared loop set and question queue. Message history and corpus are
// kept.
func (s *Store) ResetOnboarding(phone string) error {
	res, err := s.db.Exec(`
		UPDATE subscribers
		SET onboarding_step = 0, open_loops = '{}', pending_questions = '[]', display_name = ''
		WHERE phone = ?`, phone)
	if err != nil {
		return fmt.Errorf("reset onboarding: %w", err)
	}
	s.log.Warn("subscriber onboarding reset", zap.String("phone", phone))
	return requireRow(res)
}

// SaveLoops persists the full loop map in one write; a reconciliation is
// applied completely or not at all.
func (s *Store) SaveLoops(phone string, loops map[string]types.OpenLoop) error {
	if loops == nil {
		loops = map[string]types.OpenLoop{}
	}
	data, err := json.Marshal(loops)
	if err != nil {
		return fmt.Errorf("marshal loops: %w", err)
	}
	res, err := s.db.Exec("UPDATE subscribers SET open_loops = ? WHERE phone = ?", string(data), phone)
	if err != nil {
		return fmt.Errorf("save loops: %w", err)
	}
	return requireRow(res)
}

// SavePendingQuestions persists the generated-question queue.
func (s *Store) SavePendingQuestions(phone string, qs []types.PendingQuestion) error {
	if qs == nil {
		qs = []types.PendingQuestion{}
	}
	data, err := json.Marshal(qs)
	if err != nil {
		return fmt.Errorf("marshal pending questions: %w", err)
	}
	res, err := s.db.Exec("UPDATE subscribers SET pending_questions = ? WHERE phone = ?", string(data), phone)
	if err != nil {
		return fmt.Errorf("save pending questions: %w", err)
	}
	return requireRow(res)
}

// TouchInteraction records activity used for pacing; called on every
// inbound message and on every successfully dispatched nudge.
func (s *Store) TouchInteraction(phone string) error {
	now := formatTime(s.Now())
	res, err := s.db.Exec(
		"UPDATE subscribers SET last_interaction_at = ?, last_message_at = ? WHERE phone = ?",
		now, now, phone)
	if err != nil {
		return fmt.Errorf("touch interaction: %w", err)
	}
	return requireRow(res)
}

func (s *Store) updateField(phone, column, value string) error {
	res, err := s.db.Exec(
		fmt.Sprintf("UPDATE subscribers SET %s = ? WHERE phone = ?", column), value, phone)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
