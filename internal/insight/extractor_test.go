package insight

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"muze/internal/types"
)

// stubLLM returns scripted responses in order, or an error.
type stubLLM struct {
	responses []string
	err       error
	calls     int
}

func (s *stubLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.responses) {
		return "", errors.New("stub exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *stubLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.Complete(ctx, userPrompt)
}

func newTestExtractor(llm LLMClient) *Extractor {
	return NewExtractor(llm, zap.NewNop())
}

// =============================================================================
// JSON EXTRACTION
// =============================================================================

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"nested braces", `prefix {"a": {"b": 2}} suffix`, `{"a": {"b": 2}}`},
		{"brace in string", `{"a": "has } inside"}`, `{"a": "has } inside"}`},
		{"no object", "sorry, I cannot do that", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	in := "Result:\n```json\n[{\"name\": \"x\"}]\n```"
	want := `[{"name": "x"}]`
	if got := extractJSONArray(in); got != want {
		t.Errorf("extractJSONArray = %q, want %q", got, want)
	}
}

// =============================================================================
// GOAL EXTRACTION
// =============================================================================

func TestExtractGoals(t *testing.T) {
	llm := &stubLLM{responses: []string{`[
		{"name": "Launch app", "weight": 4, "description": "Shipping the MVP"},
		{"name": "Raise funding", "weight": 5, "description": "Seed round"}
	]`}}
	e := newTestExtractor(llm)

	goals, err := e.ExtractGoals(context.Background(), "launching my app and raising funding")
	if err != nil {
		t.Fatalf("ExtractGoals error: %v", err)
	}
	if len(goals) != 2 {
		t.Fatalf("expected 2 goals, got %d", len(goals))
	}
	if goals[0].Name != "Launch app" || goals[0].Weight != 4 {
		t.Errorf("unexpected first goal: %+v", goals[0])
	}
}

func TestExtractGoals_DropsInvalidEntries(t *testing.T) {
	llm := &stubLLM{responses: []string{`[
		{"name": "", "weight": 3, "description": "no name"},
		{"name": "Valid goal", "weight": 9, "description": "weight out of range"},
		{"name": "Keep me", "weight": 2, "description": "fine"}
	]`}}
	e := newTestExtractor(llm)

	goals, err := e.ExtractGoals(context.Background(), "text")
	if err != nil {
		t.Fatalf("ExtractGoals error: %v", err)
	}
	if len(goals) != 1 || goals[0].Name != "Keep me" {
		t.Errorf("expected only the valid goal, got %+v", goals)
	}
}

func TestExtractGoals_NoJSON(t *testing.T) {
	e := newTestExtractor(&stubLLM{responses: []string{"no structured data here"}})
	_, err := e.ExtractGoals(context.Background(), "text")
	if !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
}

// =============================================================================
// LOOP RECONCILIATION
// =============================================================================

func TestReconcileLoops(t *testing.T) {
	llm := &stubLLM{responses: []string{`{
		"updated_loops": {
			"Launch app": {"status": "active", "weight": 5, "next_event_date": "2026-09-01", "description": "Launch is imminent"}
		},
		"corpus_cleanup": ["DELETE: the fact that the launch date was undecided"],
		"reasoning": "launch date now confirmed"
	}`}}
	e := newTestExtractor(llm)

	rec, err := e.ReconcileLoops(context.Background(), "launch is Sept 1!", "", nil)
	if err != nil {
		t.Fatalf("ReconcileLoops error: %v", err)
	}
	loop, ok := rec.Loops["Launch app"]
	if !ok {
		t.Fatal("expected Launch app loop in result")
	}
	if loop.Status != types.LoopActive || loop.Weight != 5 {
		t.Errorf("unexpected loop: %+v", loop)
	}
	if loop.NextEventDate != "2026-09-01" {
		t.Errorf("expected event date 2026-09-01, got %q", loop.NextEventDate)
	}
	if len(rec.Cleanup) != 1 {
		t.Errorf("expected 1 cleanup directive, got %d", len(rec.Cleanup))
	}
}

func TestReconcileLoops_NormalizesStatus(t *testing.T) {
	llm := &stubLLM{responses: []string{`{
		"updated_loops": {
			"Old project": {"status": "resolved", "weight": 2, "description": "wrapped up"}
		}
	}`}}
	e := newTestExtractor(llm)

	rec, err := e.ReconcileLoops(context.Background(), "finished it", "", nil)
	if err != nil {
		t.Fatalf("ReconcileLoops error: %v", err)
	}
	if rec.Loops["Old project"].Status != types.LoopClosed {
		t.Errorf("expected resolved to normalize to closed, got %s", rec.Loops["Old project"].Status)
	}
}

// One malformed entry poisons the whole response; a half-applied
// reconciliation is worse than none.
func TestReconcileLoops_RejectsWholeResponseOnBadEntry(t *testing.T) {
	llm := &stubLLM{responses: []string{`{
		"updated_loops": {
			"Good loop": {"status": "active", "weight": 3, "description": "ok"},
			"Bad loop": {"status": "vibing", "weight": 3, "description": "bad status"}
		}
	}`}}
	e := newTestExtractor(llm)

	_, err := e.ReconcileLoops(context.Background(), "msg", "", nil)
	if !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
}

func TestReconcileLoops_WeightOutOfRange(t *testing.T) {
	llm := &stubLLM{responses: []string{`{
		"updated_loops": {
			"Loop": {"status": "active", "weight": 0, "description": "zero weight"}
		}
	}`}}
	e := newTestExtractor(llm)

	if _, err := e.ReconcileLoops(context.Background(), "msg", "", nil); !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
}

// =============================================================================
// PHRASING HELPERS
// =============================================================================

func TestCheckInQuestion_FallbackOnError(t *testing.T) {
	e := newTestExtractor(&stubLLM{err: errors.New("model down")})

	got := e.CheckInQuestion(context.Background(), "Marathon training", types.OpenLoop{}, "")
	want := "Hey! Any updates on Marathon training?"
	if got != want {
		t.Errorf("fallback = %q, want %q", got, want)
	}
}

func TestBatchPrompts(t *testing.T) {
	e := newTestExtractor(&stubLLM{responses: []string{"Combined message"}})

	// Single question passes through without an LLM call
	got := e.BatchPrompts(context.Background(), "Sam", []string{"only one"}, "")
	if got != "only one" {
		t.Errorf("single question = %q, want passthrough", got)
	}

	got = e.BatchPrompts(context.Background(), "Sam", []string{"q1", "q2"}, "")
	if got != "Combined message" {
		t.Errorf("batched = %q, want Combined message", got)
	}
}

func TestBatchPrompts_JoinsOnError(t *testing.T) {
	e := newTestExtractor(&stubLLM{err: errors.New("model down")})

	got := e.BatchPrompts(context.Background(), "Sam", []string{"q1", "q2"}, "")
	if got != "q1\n\nq2" {
		t.Errorf("fallback join = %q", got)
	}
}

func TestCleanCorpus_RejectsShortOutput(t *testing.T) {
	e := newTestExtractor(&stubLLM{responses: []string{"oops"}})
	original := "## Goals & Aspirations\n- Launch the app\n- Raise a seed round\n"

	got, err := e.CleanCorpus(context.Background(), original, []string{"DELETE: stale fact"})
	if !errors.Is(err, ErrInvalidOutput) {
		t.Errorf("expected ErrInvalidOutput, got %v", err)
	}
	if got != original {
		t.Error("corpus must be returned unchanged on invalid cleanup")
	}
}

func TestCleanCorpus_NoDirectivesIsNoOp(t *testing.T) {
	llm := &stubLLM{}
	e := newTestExtractor(llm)

	got, err := e.CleanCorpus(context.Background(), "doc", nil)
	if err != nil {
		t.Fatalf("CleanCorpus error: %v", err)
	}
	if got != "doc" || llm.calls != 0 {
		t.Error("expected no-op without directives")
	}
}
