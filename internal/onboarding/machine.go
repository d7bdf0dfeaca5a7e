// Package onboarding drives a new subscriber through the fixed bootstrap
// sequence: name, location/timezone, goals. Four forward transitions,
// no skipping, no loops back except explicit operator reset.
package onboarding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"muze/internal/insight"
	"muze/internal/types"
)

// Store is the subscriber persistence the machine needs.
type Store interface {
	UpdateDisplayName(phone, name string) error
	UpdateTimezone(phone, tz string) error
	SetOnboardingStep(phone string, step int) error
	SaveLoops(phone string, loops map[string]types.OpenLoop) error
	Corpus(phone string) (string, error)
	PutCorpus(phone, markdown string) error
}

// GoalExtractor is the extractor capability used at the final step.
type GoalExtractor interface {
	ExtractGoals(ctx context.Context, freeText string) ([]insight.Goal, error)
}

// Machine is the onboarding state machine.
type Machine struct {
	store Store
	goals GoalExtractor
	log   *zap.Logger

	// DefaultTimezone is used when location input cannot be resolved.
	DefaultTimezone string

	Now func() time.Time
}

// New creates an onboarding machine.
func New(store Store, goals GoalExtractor, log *zap.Logger, defaultTZ string) *Machine {
	if defaultTZ == "" {
		defaultTZ = "Europe/Amsterdam"
	}
	return &Machine{
		store:           store,
		goals:           goals,
		log:             log,
		DefaultTimezone: defaultTZ,
		Now:             time.Now,
	}
}

// Handle advances the subscriber one onboarding step for the given
// inbound message and returns the reply to send. complete is true once
// the subscriber reaches the final step. Store failures are returned;
// extraction and resolution failures are absorbed so onboarding never
// stalls.
func (m *Machine) Handle(ctx context.Context, sub *types.Subscriber, text string) (reply string, complete bool, err error) {
	step := sub.OnboardingStep
	m.log.Info("onboarding step",
		zap.String("phone", sub.Phone),
		zap.Int("step", step))

	switch step {
	case types.StepNew:
		if err := m.store.SetOnboardingStep(sub.Phone, types.StepNameCollected); err != nil {
			return "", false, err
		}
		sub.OnboardingStep = types.StepNameCollected
		return "Hi! I'm Muze, your personal biographer. First, what should I call you?", false, nil

	case types.StepNameCollected:
		name := strings.TrimSpace(text)
		if err := m.store.UpdateDisplayName(sub.Phone, name); err != nil {
			return "", false, err
		}
		if err := m.store.SetOnboardingStep(sub.Phone, types.StepLocationCollected); err != nil {
			return "", false, err
		}
		sub.DisplayName = name
		sub.OnboardingStep = types.StepLocationCollected
		return fmt.Sprintf("Nice to meet you, %s! To ensure I don't message you at inconvenient times, which city or timezone are you in?", name), false, nil

	case types.StepLocationCollected:
		tz := ParseTimezone(text, m.DefaultTimezone)
		if err := m.store.UpdateTimezone(sub.Phone, tz); err != nil {
			return "", false, err
		}
		if err := m.store.SetOnboardingStep(sub.Phone, types.StepGoalsPending); err != nil {
			return "", false, err
		}
		sub.Timezone = tz
		sub.OnboardingStep = types.StepGoalsPending
		m.log.Info("timezone set", zap.String("phone", sub.Phone), zap.String("timezone", tz))
		return "Got it. To start, what are the key projects or goals you are focused on right now? Feel free to list a few (e.g., Fundraising, Health, Shipping MVP).", false, nil

	case types.StepGoalsPending:
		return m.completeWithGoals(ctx, sub, text)

	default:
		// Step 99 messages are routed to the tracker by the caller;
		// reaching here means a routing bug upstream.
		m.log.Warn("onboarding invoked for completed subscriber", zap.String("phone", sub.Phone))
		return "You're already set up! Just talk to me normally.", true, nil
	}
}

func (m *Machine) completeWithGoals(ctx context.Context, sub *types.Subscriber, text string) (string, bool, error) {
	goals, err := m.goals.ExtractGoals(ctx, text)
	if err != nil {
		// Extraction failure must not block completion; the tracker
		// will pick goals up from later conversation.
		m.log.Warn("goal extraction failed, completing with empty loop set",
			zap.String("phone", sub.Phone), zap.Error(err))
		goals = nil
	}

	loops := loopsFromGoals(goals, m.Now().UTC())
	if err := m.store.SaveLoops(sub.Phone, loops); err != nil {
		return "", false, err
	}

	if len(goals) > 0 {
		if err := m.recordGoalsInCorpus(sub.Phone, goals); err != nil {
			// Corpus is secondary state; log and move on.
			m.log.Warn("failed to record goals in corpus", zap.String("phone", sub.Phone), zap.Error(err))
		}
	}

	if err := m.store.SetOnboardingStep(sub.Phone, types.StepComplete); err != nil {
		return "", false, err
	}
	sub.OnboardingStep = types.StepComplete
	sub.OpenLoops = loops

	m.log.Info("onboarding complete",
		zap.String("phone", sub.Phone),
		zap.Int("goals", len(goals)))

	if len(goals) == 0 {
		return "Understood. I'll learn your priorities as we talk. I'll be in touch when there's something relevant to discuss.", true, nil
	}

	names := make([]string, len(goals))
	for i, g := range goals {
		names[i] = g.Name
	}
	return fmt.Sprintf("Understood. I've noted those priorities: %s. I'll check in when there's something relevant to discuss.", strings.Join(names, ", ")), true, nil
}

// loopsFromGoals converts extracted goals into the initial loop set.
func loopsFromGoals(goals []insight.Goal, now time.Time) map[string]types.OpenLoop {
	loops := make(map[string]types.OpenLoop, len(goals))
	for _, g := range goals {
		name := g.Name
		if name == "" {
			continue
		}
		weight := g.Weight
		if weight < 1 || weight > 5 {
			weight = 3
		}
		loops[name] = types.OpenLoop{
			Status:      types.LoopActive,
			Weight:      weight,
			LastUpdated: now,
			Description: g.Description,
		}
	}
	return loops
}

const goalsHeader = "## Goals & Aspirations"

// recordGoalsInCorpus writes the extracted goals into the corpus under a
// dedicated section, replacing any previous version of the section.
func (m *Machine) recordGoalsInCorpus(phone string, goals []insight.Goal) error {
	corpus, err := m.store.Corpus(phone)
	if err != nil {
		return err
	}

	var section strings.Builder
	for _, g := range goals {
		desc := g.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&section, "- **%s** (Priority: %d/5): %s\n", g.Name, g.Weight, desc)
	}

	return m.store.PutCorpus(phone, upsertSection(corpus, goalsHeader, section.String()))
}

// upsertSection replaces the named markdown section's body, or appends
// the section when absent. Other sections are preserved byte-for-byte.
func upsertSection(corpus, header, body string) string {
	body = strings.TrimRight(body, "\n")
	if !strings.Contains(corpus, header) {
		if corpus == "" {
			return header + "\n" + body + "\n"
		}
		return strings.TrimRight(corpus, "\n") + "\n\n" + header + "\n" + body + "\n"
	}

	lines := strings.Split(corpus, "\n")
	var out []string
	inSection := false
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, header):
			inSection = true
			out = append(out, line, body)
		case inSection && strings.HasPrefix(line, "## "):
			inSection = false
			out = append(out, line)
		case inSection:
			// old section body, dropped
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
