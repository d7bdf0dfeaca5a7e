package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"muze/internal/corpus"
	"muze/internal/dispatch"
	"muze/internal/insight"
	"muze/internal/loops"
	"muze/internal/onboarding"
	"muze/internal/store"
	"muze/internal/types"
)

// scriptedLLM returns canned responses in call order.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, prompt string) (string, error) {
	if s.calls >= len(s.responses) {
		return "", errors.New("script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return s.Complete(ctx, userPrompt)
}

type nopSender struct{}

func (nopSender) Send(ctx context.Context, to, body string) error { return nil }

func newTestServer(t *testing.T, llm insight.LLMClient) (*Server, *store.Store) {
	t.Helper()
	log := zap.NewNop()

	st, err := store.Open(filepath.Join(t.TempDir(), "muze.db"), store.Defaults{
		Timezone:   "UTC",
		QuietStart: 22,
		QuietEnd:   9,
	}, log)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ex := insight.NewExtractor(llm, log)
	tr := loops.New(ex, log)
	ob := onboarding.New(st, ex, log, "Europe/Amsterdam")
	cu := corpus.NewUpdater(st, ex, log)
	dp := dispatch.New(st, ex, nopSender{}, dispatch.Options{DefaultTimezone: "UTC"}, log)

	srv := New(Config{Addr: ":0", ShutdownTimeout: time.Second}, st, ob, tr, cu, dp, log)
	return srv, st
}

func postWebhook(t *testing.T, srv *Server, from, body string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{}
	form.Set("From", from)
	form.Set("Body", body)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// WEBHOOK
// =============================================================================

func TestWebhook_OnboardingReply(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{})

	rec := postWebhook(t, srv, "+31600000001", "Hi")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "what should I call you") {
		t.Errorf("expected name prompt in TwiML, got %q", rec.Body.String())
	}

	sub, err := st.Get("+31600000001")
	if err != nil {
		t.Fatal(err)
	}
	if sub.OnboardingStep != types.StepNameCollected {
		t.Errorf("step = %d, want 1", sub.OnboardingStep)
	}
	if sub.LastInteractionAt == nil {
		t.Error("inbound message must touch lastInteractionAt")
	}
}

func TestWebhook_CompletedUserFeedsTracker(t *testing.T) {
	llm := &scriptedLLM{responses: []string{`{
		"updated_loops": {
			"Launch app": {"status": "active", "weight": 5, "description": "making progress"}
		},
		"corpus_cleanup": []
	}`}}
	srv, st := newTestServer(t, llm)

	if _, err := st.GetOrCreate("+31600000001"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetOnboardingStep("+31600000001", types.StepComplete); err != nil {
		t.Fatal(err)
	}

	rec := postWebhook(t, srv, "+31600000001", "good progress on the launch today")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// Human-in-the-loop: no synchronous reply for completed users
	if strings.Contains(rec.Body.String(), "<Message>") {
		t.Errorf("expected empty TwiML, got %q", rec.Body.String())
	}

	sub, _ := st.Get("+31600000001")
	if loop, ok := sub.OpenLoops["Launch app"]; !ok || loop.Weight != 5 {
		t.Errorf("tracker update not persisted: %+v", sub.OpenLoops)
	}
	msgs, _ := st.RecentMessages("+31600000001", 5)
	if len(msgs) != 1 || msgs[0].Direction != types.DirectionIncoming {
		t.Errorf("inbound message not stored: %+v", msgs)
	}
}

func TestWebhook_MissingSender(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{})
	rec := postWebhook(t, srv, "", "hello")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// OPERATOR API
// =============================================================================

func TestAPI_Health(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAPI_Settings(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{})
	if _, err := st.GetOrCreate("+31600000001"); err != nil {
		t.Fatal(err)
	}

	body := `{"timezone": "Asia/Tokyo", "quiet_hours_start": 23, "quiet_hours_end": 7}`
	req := httptest.NewRequest(http.MethodPut, "/api/subscribers/+31600000001/settings", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	sub, _ := st.Get("+31600000001")
	if sub.Timezone != "Asia/Tokyo" || sub.QuietHoursStart != 23 || sub.QuietHoursEnd != 7 {
		t.Errorf("settings not applied: %+v", sub)
	}
}

func TestAPI_Reset(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{})
	if _, err := st.GetOrCreate("+31600000001"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetOnboardingStep("+31600000001", types.StepComplete); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/subscribers/+31600000001/reset", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	sub, _ := st.Get("+31600000001")
	if sub.OnboardingStep != types.StepNew {
		t.Errorf("step = %d after reset", sub.OnboardingStep)
	}
}

func TestAPI_NudgeApproval(t *testing.T) {
	srv, st := newTestServer(t, &scriptedLLM{})
	if _, err := st.GetOrCreate("+31600000001"); err != nil {
		t.Fatal(err)
	}
	n, err := st.CreatePendingNudge("+31600000001", "Launch", 5, "How's it going?", time.Now().UTC(), types.NudgePending)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/nudges/"+itoa(n.ID)+"/approve", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	approved, err := st.ListNudges(types.NudgeApproved, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(approved) != 1 || approved[0].ApprovedAt == nil {
		t.Errorf("nudge not approved: %+v", approved)
	}
}

func TestAPI_UnknownSubscriber(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedLLM{})
	req := httptest.NewRequest(http.MethodGet, "/api/subscribers/+31699999999/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
