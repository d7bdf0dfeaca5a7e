// Package types holds the shared domain model: subscribers, open loops,
// messages, and pending nudges. All timestamps are UTC.
package types

import (
	"strings"
	"time"
)

// LoopStatus is the lifecycle state of an open loop.
type LoopStatus string

const (
	LoopActive   LoopStatus = "active"
	LoopDecaying LoopStatus = "decaying"
	LoopClosed   LoopStatus = "closed"
)

// NormalizeLoopStatus maps free-form extractor status strings onto the
// canonical enum. The LLM sometimes says "resolved" or "done" for closed
// loops; anything unrecognized maps to empty so callers can reject it.
func NormalizeLoopStatus(s string) LoopStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return LoopActive
	case "decaying", "stale":
		return LoopDecaying
	case "closed", "resolved", "done", "completed":
		return LoopClosed
	}
	return ""
}

// EventDateLayout is the wire format for loop event dates (local date,
// no time component).
const EventDateLayout = "2006-01-02"

// OpenLoop is one tracked topic for a subscriber: a goal, project, or
// upcoming event with an urgency weight and freshness timestamp.
type OpenLoop struct {
	Status      LoopStatus `json:"status"`
	Weight      int        `json:"weight"`
	LastUpdated time.Time  `json:"last_updated"`
	// NextEventDate is a local date in EventDateLayout, empty when the
	// loop has no scheduled event.
	NextEventDate string `json:"next_event_date,omitempty"`
	Description   string `json:"description"`
}

// EventDate parses NextEventDate. ok is false when the loop has no event
// or the stored date is malformed.
func (l OpenLoop) EventDate() (time.Time, bool) {
	if l.NextEventDate == "" {
		return time.Time{}, false
	}
	d, err := time.Parse(EventDateLayout, l.NextEventDate)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// PendingQuestion is a generated but not yet sent check-in prompt,
// keyed by loop topic so a later cycle can reuse the wording.
type PendingQuestion struct {
	Topic     string    `json:"topic"`
	Question  string    `json:"question"`
	Weight    int       `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Onboarding steps. Monotonically increasing except for explicit
// operator reset; StepComplete is the dispatcher eligibility gate.
const (
	StepNew               = 0
	StepNameCollected     = 1
	StepLocationCollected = 2
	StepGoalsPending      = 3
	StepComplete          = 99
)

// Subscriber is the durable per-user record.
type Subscriber struct {
	Phone             string              `json:"phone"`
	DisplayName       string              `json:"display_name"`
	Timezone          string              `json:"timezone"`
	QuietHoursStart   int                 `json:"quiet_hours_start"`
	QuietHoursEnd     int                 `json:"quiet_hours_end"`
	OnboardingStep    int                 `json:"onboarding_step"`
	LastInteractionAt *time.Time          `json:"last_interaction_at,omitempty"`
	LastMessageAt     time.Time           `json:"last_message_at"`
	CreatedAt         time.Time           `json:"created_at"`
	OpenLoops         map[string]OpenLoop `json:"open_loops"`
	PendingQuestions  []PendingQuestion   `json:"pending_questions"`
}

// Location resolves the subscriber's IANA timezone, falling back to the
// given default zone when the stored name is empty or unknown.
func (s *Subscriber) Location(fallback string) *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	if loc, err := time.LoadLocation(fallback); err == nil {
		return loc
	}
	return time.UTC
}

// FindLoop looks up a loop by topic name, case-insensitively. Returns the
// stored key so callers can update the canonical entry.
func (s *Subscriber) FindLoop(topic string) (string, OpenLoop, bool) {
	if loop, ok := s.OpenLoops[topic]; ok {
		return topic, loop, true
	}
	lower := strings.ToLower(topic)
	for name, loop := range s.OpenLoops {
		if strings.ToLower(name) == lower {
			return name, loop, true
		}
	}
	return "", OpenLoop{}, false
}

// Message directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is one stored inbound or outbound message.
type Message struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Direction string    `json:"direction"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Processed bool      `json:"processed"`
}

// Inbound is a transport-delivered message before storage. Body may
// already be a transcription; transport authenticity is not validated
// here.
type Inbound struct {
	Phone        string
	Body         string
	MediaPresent bool
	MediaRef     string
}

// Nudge statuses for the human-review queue.
const (
	NudgePending  = "pending"
	NudgeApproved = "approved"
	NudgeSent     = "sent"
	NudgeSkipped  = "skipped"
)

// PendingNudge is a generated proactive message, either awaiting operator
// approval or recorded as history after a direct send.
type PendingNudge struct {
	ID          int64      `json:"id"`
	Phone       string     `json:"phone"`
	Topic       string     `json:"topic"`
	Weight      int        `json:"weight"`
	Body        string     `json:"body"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
}
