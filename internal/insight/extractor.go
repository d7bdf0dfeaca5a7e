package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"muze/internal/types"
)

// Goal is one extracted goal/project from onboarding free text.
type Goal struct {
	Name        string `json:"name" validate:"required,min=1,max=120"`
	Weight      int    `json:"weight" validate:"min=1,max=5"`
	Description string `json:"description" validate:"max=500"`
}

// Reconciliation is the validated result of a loop-reconciliation call.
type Reconciliation struct {
	// Loops holds the extractor's view of changed/new loops keyed by
	// topic name. Absence of a topic is not a deletion; the tracker
	// carries absent loops forward.
	Loops map[string]types.OpenLoop
	// Cleanup holds advisory corpus cleanup directives, forwarded
	// verbatim to the corpus maintainer.
	Cleanup []string
	// Reasoning is the model's explanation, logged for operators.
	Reasoning string
}

// Extractor implements the three structured extraction calls plus the
// generated-phrasing helpers on top of an LLMClient.
type Extractor struct {
	llm      LLMClient
	log      *zap.Logger
	validate *validator.Validate

	// Now is injectable for deterministic prompts in tests.
	Now func() time.Time
}

// NewExtractor creates an extractor over the given LLM client.
func NewExtractor(llm LLMClient, log *zap.Logger) *Extractor {
	return &Extractor{
		llm:      llm,
		log:      log,
		validate: validator.New(),
		Now:      time.Now,
	}
}

// ExtractGoals decomposes free-form goal text into distinct goals with
// weights. Returns ErrInvalidOutput when the model response does not
// match the schema; callers complete onboarding with an empty loop set
// in that case.
func (e *Extractor) ExtractGoals(ctx context.Context, freeText string) ([]Goal, error) {
	prompt := goalExtractionPrompt(freeText)

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("goal extraction call: %w", err)
	}

	raw := extractJSONArray(resp)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON array in goal response", ErrInvalidOutput)
	}

	var goals []Goal
	if err := json.Unmarshal([]byte(raw), &goals); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	out := goals[:0]
	for _, g := range goals {
		g.Name = strings.TrimSpace(g.Name)
		if err := e.validate.Struct(g); err != nil {
			e.log.Warn("dropping malformed goal", zap.String("name", g.Name), zap.Error(err))
			continue
		}
		out = append(out, g)
	}

	e.log.Info("extracted goals", zap.Int("count", len(out)))
	return out, nil
}

// wireLoop is the duck-typed loop record as the model emits it.
type wireLoop struct {
	Status        string  `json:"status"`
	Weight        int     `json:"weight"`
	LastUpdated   string  `json:"last_updated"`
	NextEventDate *string `json:"next_event_date"`
	Description   string  `json:"description"`
}

// reconcileEnvelope is the full reconciliation response.
type reconcileEnvelope struct {
	UpdatedLoops  map[string]wireLoop `json:"updated_loops"`
	CorpusCleanup []string            `json:"corpus_cleanup"`
	Reasoning     string              `json:"reasoning"`
}

// ReconcileLoops analyzes a message against the current loop set and
// corpus, returning the model's proposed loop changes and corpus cleanup
// directives. The whole response is rejected (ErrInvalidOutput) if any
// entry fails validation, so a half-parsed reconciliation can never be
// applied.
func (e *Extractor) ReconcileLoops(ctx context.Context, message, corpus string, current map[string]types.OpenLoop) (*Reconciliation, error) {
	loopsJSON, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal current loops: %w", err)
	}

	prompt := reconcilePrompt(corpus, string(loopsJSON), message, e.Now().UTC())

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("loop reconciliation call: %w", err)
	}

	raw := extractJSON(resp)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object in reconciliation response", ErrInvalidOutput)
	}

	var envelope reconcileEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	result := &Reconciliation{
		Loops:     make(map[string]types.OpenLoop, len(envelope.UpdatedLoops)),
		Cleanup:   envelope.CorpusCleanup,
		Reasoning: envelope.Reasoning,
	}

	for name, wl := range envelope.UpdatedLoops {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty topic name", ErrInvalidOutput)
		}
		loop, err := wl.toOpenLoop()
		if err != nil {
			return nil, fmt.Errorf("%w: loop %q: %v", ErrInvalidOutput, name, err)
		}
		result.Loops[name] = loop
	}

	if envelope.Reasoning != "" {
		e.log.Debug("reconciliation reasoning", zap.String("reasoning", envelope.Reasoning))
	}
	return result, nil
}

// toOpenLoop converts a wire loop into the typed record, enforcing the
// status enum, weight bounds, and event-date format.
func (wl wireLoop) toOpenLoop() (types.OpenLoop, error) {
	status := types.NormalizeLoopStatus(wl.Status)
	if status == "" {
		return types.OpenLoop{}, fmt.Errorf("unknown status %q", wl.Status)
	}
	if wl.Weight < 1 || wl.Weight > 5 {
		return types.OpenLoop{}, fmt.Errorf("weight %d out of range", wl.Weight)
	}

	eventDate := ""
	if wl.NextEventDate != nil && strings.TrimSpace(*wl.NextEventDate) != "" {
		d, err := parseEventDate(*wl.NextEventDate)
		if err != nil {
			return types.OpenLoop{}, err
		}
		eventDate = d
	}

	// last_updated from the model is advisory; the tracker stamps
	// touched loops with its own clock. Parse it when present so
	// untouched-but-echoed loops keep a sane timestamp.
	var lastUpdated time.Time
	if wl.LastUpdated != "" {
		if t, err := time.Parse(time.RFC3339, wl.LastUpdated); err == nil {
			lastUpdated = t.UTC()
		} else if t, err := time.Parse("2006-01-02T15:04:05", wl.LastUpdated); err == nil {
			lastUpdated = t.UTC()
		}
	}

	return types.OpenLoop{
		Status:        status,
		Weight:        wl.Weight,
		LastUpdated:   lastUpdated,
		NextEventDate: eventDate,
		Description:   strings.TrimSpace(wl.Description),
	}, nil
}

// parseEventDate accepts a bare date or a full timestamp and normalizes
// to the date wire format.
func parseEventDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(types.EventDateLayout, s); err == nil {
		return t.Format(types.EventDateLayout), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Format(types.EventDateLayout), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.Format(types.EventDateLayout), nil
	}
	return "", fmt.Errorf("bad event date %q", s)
}

// CheckInQuestion generates a short check-in question for one loop.
// Never fails: on any error a generic question is returned, since a
// blander nudge beats a dropped one.
func (e *Extractor) CheckInQuestion(ctx context.Context, topic string, loop types.OpenLoop, corpusExcerpt string) string {
	prompt := checkInPrompt(topic, loop, corpusExcerpt)

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		e.log.Warn("check-in generation failed, using fallback", zap.String("topic", topic), zap.Error(err))
		return fmt.Sprintf("Hey! Any updates on %s?", topic)
	}
	return strings.TrimSpace(resp)
}

// BatchPrompts combines multiple check-in questions into one natural
// message. A single question passes through unchanged; on error the
// questions are joined with blank lines.
func (e *Extractor) BatchPrompts(ctx context.Context, displayName string, questions []string, corpus string) string {
	if len(questions) == 0 {
		return ""
	}
	if len(questions) == 1 {
		return questions[0]
	}

	prompt := batchPrompt(displayName, questions, corpus)

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		e.log.Warn("batching failed, joining questions", zap.Error(err))
		return strings.Join(questions, "\n\n")
	}
	return strings.TrimSpace(resp)
}

// minCorpusLen guards against the model replacing a corpus with an
// apology or an empty string during cleanup.
const minCorpusLen = 50

// CleanCorpus applies cleanup directives to a corpus document. The
// directives are forwarded verbatim; the model does the text surgery.
// Returns the input corpus unchanged when there is nothing to do or the
// result looks invalid.
func (e *Extractor) CleanCorpus(ctx context.Context, corpus string, directives []string) (string, error) {
	if len(directives) == 0 {
		return corpus, nil
	}

	prompt := cleanupPrompt(corpus, directives)

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		return corpus, fmt.Errorf("corpus cleanup call: %w", err)
	}

	cleaned := strings.TrimSpace(resp)
	if len(cleaned) < minCorpusLen {
		e.log.Warn("cleanup returned suspiciously short corpus, keeping original",
			zap.Int("len", len(cleaned)))
		return corpus, fmt.Errorf("%w: cleanup output too short", ErrInvalidOutput)
	}
	return cleaned, nil
}

// MergeConversation folds a new exchange into the corpus, extracting
// signal and skipping noise. Returns the input corpus on failure.
func (e *Extractor) MergeConversation(ctx context.Context, corpus, userMessage, botReply string) (string, error) {
	prompt := mergePrompt(corpus, userMessage, botReply)

	resp, err := e.llm.Complete(ctx, prompt)
	if err != nil {
		return corpus, fmt.Errorf("corpus merge call: %w", err)
	}

	merged := strings.TrimSpace(resp)
	if len(merged) < minCorpusLen {
		return corpus, fmt.Errorf("%w: merge output too short", ErrInvalidOutput)
	}
	return merged, nil
}

// ContextBrief produces a copy-paste ready context document about one
// topic from the subscriber's corpus.
func (e *Extractor) ContextBrief(ctx context.Context, corpus, topic string) (string, error) {
	resp, err := e.llm.Complete(ctx, contextBriefPrompt(corpus, topic))
	if err != nil {
		return "", fmt.Errorf("context brief call: %w", err)
	}
	return strings.TrimSpace(resp), nil
}
