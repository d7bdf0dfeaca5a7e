package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"muze/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// FAKES
// =============================================================================

type fakeStore struct {
	mu       sync.Mutex
	subs     map[string]*types.Subscriber
	messages map[string][]types.Message
	nudges   []types.PendingNudge
	corpus   map[string]string
	touched  map[string]int
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:     make(map[string]*types.Subscriber),
		messages: make(map[string][]types.Message),
		corpus:   make(map[string]string),
		touched:  make(map[string]int),
	}
}

func (f *fakeStore) add(sub *types.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sub.Phone] = sub
}

func (f *fakeStore) ListDispatchable() ([]*types.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Subscriber
	for _, sub := range f.subs {
		if sub.OnboardingStep == types.StepComplete {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(phone string) (*types.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[phone]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) Lock(phone string) func() { return func() {} }

func (f *fakeStore) SaveLoops(phone string, loops map[string]types.OpenLoop) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[phone].OpenLoops = loops
	return nil
}

func (f *fakeStore) SavePendingQuestions(phone string, qs []types.PendingQuestion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[phone].PendingQuestions = qs
	return nil
}

func (f *fakeStore) RecentMessages(phone string, limit int) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages[phone]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeStore) StoreMessage(phone, direction, body string) (*types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg := types.Message{ID: f.nextID, Phone: phone, Direction: direction, Body: body}
	f.messages[phone] = append(f.messages[phone], msg)
	return &msg, nil
}

func (f *fakeStore) TouchInteraction(phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[phone]++
	return nil
}

func (f *fakeStore) Corpus(phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.corpus[phone], nil
}

func (f *fakeStore) CreatePendingNudge(phone, topic string, weight int, body string, scheduledAt time.Time, status string) (*types.PendingNudge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	n := types.PendingNudge{ID: f.nextID, Phone: phone, Topic: topic, Weight: weight, Body: body, ScheduledAt: scheduledAt, Status: status}
	f.nudges = append(f.nudges, n)
	return &n, nil
}

func (f *fakeStore) HasOpenNudge(phone, topic string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nudges {
		if n.Phone == phone && strings.EqualFold(n.Topic, topic) &&
			(n.Status == types.NudgePending || n.Status == types.NudgeApproved) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ApprovedReady(now time.Time) ([]types.PendingNudge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.PendingNudge
	for _, n := range f.nudges {
		if n.Status == types.NudgeApproved && !n.ScheduledAt.After(now) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) SetNudgeStatus(id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nudges {
		if f.nudges[i].ID == id {
			f.nudges[i].Status = status
			return nil
		}
	}
	return errors.New("not found")
}

// fakeGen produces deterministic wording.
type fakeGen struct{}

func (fakeGen) CheckInQuestion(ctx context.Context, topic string, loop types.OpenLoop, corpusExcerpt string) string {
	return "Any updates on " + topic + "?"
}

func (fakeGen) BatchPrompts(ctx context.Context, displayName string, questions []string, corpus string) string {
	return strings.Join(questions, " | ")
}

// fakeSender records sends and can fail on demand.
type fakeSender struct {
	mu    sync.Mutex
	sent  []string // "phone: body"
	fail  bool
	block chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, to, body string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, to+": "+body)
	return nil
}

// =============================================================================
// SETUP
// =============================================================================

var dispatchNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func newTestDispatcher(st *fakeStore, sender *fakeSender, opts Options) *Dispatcher {
	d := New(st, fakeGen{}, sender, opts, zap.NewNop())
	d.Now = func() time.Time { return dispatchNow }
	return d
}

// subscriber with UTC timezone and quiet hours 22-9, so local noon is
// always dispatchable.
func dispatchableSub(phone string, lastInteraction time.Duration, loops map[string]types.OpenLoop) *types.Subscriber {
	last := dispatchNow.Add(-lastInteraction)
	return &types.Subscriber{
		Phone:             phone,
		DisplayName:       "Sam",
		Timezone:          "UTC",
		QuietHoursStart:   22,
		QuietHoursEnd:     9,
		OnboardingStep:    types.StepComplete,
		LastInteractionAt: &last,
		OpenLoops:         loops,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

// Two decaying loops, weight 5 and weight 2, last interaction 5h ago:
// the weight-5 loop passes its 4h gate, the weight-2 loop fails 48h, so
// exactly one message goes out carrying only the weight-5 topic.
func TestRun_PacingSelectsOnlyEligibleWeights(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 5*time.Hour, map[string]types.OpenLoop{
		"Urgent launch": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
		"Hobby blog":    {Status: types.LoopDecaying, Weight: 2, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("sent = %d, want 1", report.Sent)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 transport send, got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0], "Urgent launch") {
		t.Errorf("message must carry the weight-5 topic: %q", sender.sent[0])
	}
	if strings.Contains(sender.sent[0], "Hobby blog") {
		t.Errorf("weight-2 topic failed pacing and must be absent: %q", sender.sent[0])
	}
	if st.touched["+31600000001"] != 1 {
		t.Error("lastInteractionAt must be updated after a send")
	}
}

// Quiet hours skip the subscriber entirely, even with an eligible
// event-due candidate, and leave bookkeeping untouched.
func TestRun_QuietHoursSkipEntirely(t *testing.T) {
	st := newFakeStore()
	sub := dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Big pitch": {Status: types.LoopActive, Weight: 3, NextEventDate: "2026-08-30", LastUpdated: dispatchNow.Add(-time.Hour)},
	})
	// Window covering local noon
	sub.QuietHoursStart = 10
	sub.QuietHoursEnd = 14
	st.add(sub)
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Sent != 0 || report.Reasons[SkipQuietHours] != 1 {
		t.Errorf("expected one quiet-hours skip: %+v", report.Reasons)
	}
	if len(sender.sent) != 0 {
		t.Error("no message may be sent during quiet hours")
	}
	if st.touched["+31600000001"] != 0 {
		t.Error("lastInteractionAt must be unchanged on a skip")
	}
}

func TestRun_EventDueGetsEffectiveWeightFive(t *testing.T) {
	st := newFakeStore()
	// Stored weight 1 would need 48h, but the event today overrides to
	// weight 5, and 5h elapsed passes the 4h gate.
	st.add(dispatchableSub("+31600000001", 5*time.Hour, map[string]types.OpenLoop{
		"Wedding": {Status: types.LoopActive, Weight: 1, NextEventDate: "2026-08-29", LastUpdated: dispatchNow.Add(-time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("sent = %d, want 1: %+v", report.Sent, report.Reasons)
	}
	if !strings.Contains(sender.sent[0], "Big day today") {
		t.Errorf("day-of event must use the day-of wording: %q", sender.sent[0])
	}
}

func TestRun_NoCandidates(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Healthy loop": {Status: types.LoopActive, Weight: 5, LastUpdated: dispatchNow.Add(-time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Reasons[SkipNoCandidates] != 1 {
		t.Errorf("active loop with no event is never a candidate: %+v", report.Reasons)
	}
}

func TestRun_GhostedTopicDropped(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Marathon training": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	st.messages["+31600000001"] = []types.Message{
		{Direction: types.DirectionIncoming, Body: "marathon went great, thanks for asking"},
	}
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Reasons[SkipGhosted] != 1 || len(sender.sent) != 0 {
		t.Errorf("recently discussed topic must be dropped: %+v", report.Reasons)
	}
}

func TestRun_BatchCapsAtThree(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Alpha":   {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
		"Bravo":   {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
		"Charlie": {Status: types.LoopDecaying, Weight: 4, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
		"Delta":   {Status: types.LoopDecaying, Weight: 3, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("exactly one message per subscriber per cycle, got %d", report.Sent)
	}
	questions := strings.Split(sender.sent[0], " | ")
	if len(questions) != 3 {
		t.Errorf("batched %d topics, want 3: %q", len(questions), sender.sent[0])
	}
	if strings.Contains(sender.sent[0], "Delta") {
		t.Error("lowest-weight candidate must be cut by the batch cap")
	}
}

func TestRun_SendFailureLeavesStateEligible(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Launch": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	sender := &fakeSender{fail: true}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Sent != 0 || report.Reasons[SkipError] != 1 {
		t.Errorf("transport failure must surface as an error skip: %+v", report.Reasons)
	}
	if st.touched["+31600000001"] != 0 {
		t.Error("lastInteractionAt must not advance on a failed send")
	}
	if len(st.messages["+31600000001"]) != 0 {
		t.Error("no outgoing message may be recorded for a failed send")
	}
	qs := st.subs["+31600000001"].PendingQuestions
	if len(qs) != 1 || qs[0].Topic != "Launch" {
		t.Errorf("failed send must queue the generated wording: %+v", qs)
	}
}

func TestRun_ReusesQueuedQuestionAfterFailure(t *testing.T) {
	st := newFakeStore()
	sub := dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Launch": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	})
	sub.PendingQuestions = []types.PendingQuestion{
		{Topic: "launch", Question: "Still on track for the big launch?", Weight: 5, CreatedAt: dispatchNow.Add(-time.Hour)},
	}
	st.add(sub)
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "Still on track for the big launch?") {
		t.Errorf("queued wording must be reused, got %v", sender.sent)
	}
	if len(st.subs["+31600000001"].PendingQuestions) != 0 {
		t.Error("queue must be cleared after a successful send")
	}
}

func TestRun_SweepPersistsDecay(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", time.Hour, map[string]types.OpenLoop{
		"Silent project": {Status: types.LoopActive, Weight: 3, LastUpdated: dispatchNow.Add(-9 * 24 * time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	sub, _ := st.Get("+31600000001")
	if sub.OpenLoops["Silent project"].Status != types.LoopDecaying {
		t.Error("dispatcher sweep must persist decay for silent subscribers")
	}
}

func TestRun_SingleFlight(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Launch": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	block := make(chan struct{})
	sender := &fakeSender{block: block}
	d := newTestDispatcher(st, sender, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := d.Run(context.Background()); err != nil {
			t.Errorf("first run error: %v", err)
		}
	}()

	// Wait for the first run to occupy the dispatcher
	deadline := time.After(2 * time.Second)
	for !d.running.Load() {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := d.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("overlapping run must be rejected, got %v", err)
	}

	close(block)
	<-done
}

// =============================================================================
// APPROVAL QUEUE
// =============================================================================

func TestRun_RequireApprovalQueuesInsteadOfSending(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, map[string]types.OpenLoop{
		"Launch": {Status: types.LoopDecaying, Weight: 5, LastUpdated: dispatchNow.Add(-8 * 24 * time.Hour)},
	}))
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{RequireApproval: true})

	report, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if report.Queued != 1 || report.Sent != 0 {
		t.Errorf("expected queue not send: %+v", report)
	}
	if len(sender.sent) != 0 {
		t.Error("approval mode must not touch the transport")
	}
	if st.touched["+31600000001"] != 0 {
		t.Error("pacing bookkeeping waits for the approved send")
	}

	// A second cycle dedups on the open pending nudge
	report, err = d.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Queued != 0 {
		t.Errorf("open nudge for the topic must suppress a duplicate: %+v", report)
	}
}

func TestSendApproved(t *testing.T) {
	st := newFakeStore()
	st.add(dispatchableSub("+31600000001", 100*time.Hour, nil))
	st.nudges = []types.PendingNudge{
		{ID: 1, Phone: "+31600000001", Topic: "Launch", Weight: 5, Body: "How is the launch?",
			ScheduledAt: dispatchNow.Add(-time.Hour), Status: types.NudgeApproved},
		{ID: 2, Phone: "+31600000001", Topic: "Later", Weight: 3, Body: "later",
			ScheduledAt: dispatchNow.Add(time.Hour), Status: types.NudgeApproved},
	}
	sender := &fakeSender{}
	d := newTestDispatcher(st, sender, Options{})

	report, err := d.SendApproved(context.Background())
	if err != nil {
		t.Fatalf("SendApproved error: %v", err)
	}
	if report.Sent != 1 {
		t.Fatalf("sent = %d, want only the due nudge", report.Sent)
	}
	if st.nudges[0].Status != types.NudgeSent {
		t.Error("delivered nudge must transition to sent")
	}
	if st.nudges[1].Status != types.NudgeApproved {
		t.Error("future nudge must stay queued")
	}
	if st.touched["+31600000001"] != 1 {
		t.Error("approved send must update lastInteractionAt")
	}
	if len(st.messages["+31600000001"]) != 1 {
		t.Error("approved send must record the outgoing message")
	}
}
