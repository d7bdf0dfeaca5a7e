// Package dispatch decides, once per cycle, whether each onboarded
// subscriber should receive a proactive message, and sends at most one
// batched message per subscriber per cycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"muze/internal/types"
)

// Skip reasons reported per run.
const (
	SkipQuietHours   = "quiet_hours"
	SkipNoCandidates = "no_candidates"
	SkipPacing       = "pacing"
	SkipGhosted      = "ghosted"
	SkipError        = "error"
)

// ErrRunInProgress is returned when a dispatch cycle is already running.
// Overlapping cycles are skipped rather than queued.
var ErrRunInProgress = errors.New("dispatch: run already in progress")

// Store is the subscriber persistence the dispatcher needs.
type Store interface {
	ListDispatchable() ([]*types.Subscriber, error)
	Get(phone string) (*types.Subscriber, error)
	Lock(phone string) func()
	SaveLoops(phone string, loops map[string]types.OpenLoop) error
	SavePendingQuestions(phone string, qs []types.PendingQuestion) error
	RecentMessages(phone string, limit int) ([]types.Message, error)
	StoreMessage(phone, direction, body string) (*types.Message, error)
	TouchInteraction(phone string) error
	Corpus(phone string) (string, error)
	CreatePendingNudge(phone, topic string, weight int, body string, scheduledAt time.Time, status string) (*types.PendingNudge, error)
	HasOpenNudge(phone, topic string) (bool, error)
	ApprovedReady(now time.Time) ([]types.PendingNudge, error)
	SetNudgeStatus(id int64, status string) error
}

// Questioner generates check-in wording. Both calls degrade to canned
// text internally, so the dispatcher treats them as infallible.
type Questioner interface {
	CheckInQuestion(ctx context.Context, topic string, loop types.OpenLoop, corpusExcerpt string) string
	BatchPrompts(ctx context.Context, displayName string, questions []string, corpus string) string
}

// Sender delivers one outbound message.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// Options are the dispatcher tunables.
type Options struct {
	Workers          int
	MaxBatch         int
	RecentWindow     int
	EventHorizonDays int
	DecayAfter       time.Duration
	Deadline         time.Duration
	Pacing           PacingGaps
	RequireApproval  bool
	DefaultTimezone  string
}

// Dispatcher runs the per-subscriber nudge evaluation.
type Dispatcher struct {
	store  Store
	gen    Questioner
	sender Sender
	log    *zap.Logger

	optsMu sync.RWMutex
	opts   Options

	running atomic.Bool

	// Now is the clock, replaceable in tests.
	Now func() time.Time
}

// New builds a Dispatcher.
func New(store Store, gen Questioner, sender Sender, opts Options, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		gen:    gen,
		sender: sender,
		log:    log,
		opts:   normalizeOptions(opts),
		Now:    time.Now,
	}
}

// SetOptions swaps the tunables; the next run picks them up. Supports
// live config reload.
func (d *Dispatcher) SetOptions(opts Options) {
	d.optsMu.Lock()
	d.opts = normalizeOptions(opts)
	d.optsMu.Unlock()
}

func (d *Dispatcher) options() Options {
	d.optsMu.RLock()
	defer d.optsMu.RUnlock()
	return d.opts
}

func normalizeOptions(opts Options) Options {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 3
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 3
	}
	if opts.EventHorizonDays <= 0 {
		opts.EventHorizonDays = 2
	}
	if opts.DecayAfter <= 0 {
		opts.DecayAfter = 7 * 24 * time.Hour
	}
	if opts.Pacing.High <= 0 {
		opts.Pacing = PacingGaps{High: 4 * time.Hour, Medium: 24 * time.Hour, Low: 48 * time.Hour}
	}
	return opts
}

// Report aggregates one run's outcome.
type Report struct {
	mu      sync.Mutex
	Sent    int            `json:"sent"`
	Queued  int            `json:"queued"`
	Skipped int            `json:"skipped"`
	Reasons map[string]int `json:"reasons"`
}

func newReport() *Report {
	return &Report{Reasons: make(map[string]int)}
}

func (r *Report) skip(reason string) {
	r.mu.Lock()
	r.Skipped++
	r.Reasons[reason]++
	r.mu.Unlock()
}

func (r *Report) sent() {
	r.mu.Lock()
	r.Sent++
	r.mu.Unlock()
}

func (r *Report) queued() {
	r.mu.Lock()
	r.Queued++
	r.mu.Unlock()
}

// Run executes one dispatch cycle over every onboarded subscriber.
// Evaluations run in parallel up to the worker limit; the whole run is
// bounded by the configured deadline so a cycle never outlives its
// trigger interval. A cycle already in progress returns ErrRunInProgress.
func (d *Dispatcher) Run(ctx context.Context) (*Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer d.running.Store(false)

	opts := d.options()
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	runID := uuid.NewString()[:8]
	log := d.log.With(zap.String("run", runID))

	subs, err := d.store.ListDispatchable()
	if err != nil {
		return nil, fmt.Errorf("dispatch: list subscribers: %w", err)
	}
	log.Info("dispatch cycle started", zap.Int("subscribers", len(subs)))

	report := newReport()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report.skip(SkipError)
				return nil
			}
			d.evaluate(ctx, sub.Phone, opts, report, log)
			return nil
		})
	}
	_ = g.Wait()

	log.Info("dispatch cycle finished",
		zap.Int("sent", report.Sent),
		zap.Int("queued", report.Queued),
		zap.Int("skipped", report.Skipped),
		zap.Any("reasons", report.Reasons))
	return report, nil
}

// evaluate runs the gate sequence for one subscriber. Gates short-circuit
// in order: quiet hours, candidates, pacing, redundancy. Failures affect
// only this subscriber.
func (d *Dispatcher) evaluate(ctx context.Context, phone string, opts Options, report *Report, log *zap.Logger) {
	unlock := d.store.Lock(phone)
	defer unlock()

	sub, err := d.store.Get(phone)
	if err != nil {
		log.Warn("load subscriber failed", zap.String("phone", phone), zap.Error(err))
		report.skip(SkipError)
		return
	}

	now := d.Now().UTC()
	local := now.In(sub.Location(opts.DefaultTimezone))
	if InQuietHours(local.Hour(), sub.QuietHoursStart, sub.QuietHoursEnd) {
		report.skip(SkipQuietHours)
		return
	}

	loops := d.sweepDecay(sub, now, opts.DecayAfter, log)

	cands := Candidates(loops, local, opts.EventHorizonDays)
	if len(cands) == 0 {
		report.skip(SkipNoCandidates)
		return
	}

	paced := cands[:0]
	for _, c := range cands {
		if PassesPacing(sub.LastInteractionAt, now, c.Effective, opts.Pacing) {
			paced = append(paced, c)
		}
	}
	if len(paced) == 0 {
		report.skip(SkipPacing)
		return
	}

	recent, err := d.store.RecentMessages(phone, opts.RecentWindow)
	if err != nil {
		log.Warn("load recent messages failed", zap.String("phone", phone), zap.Error(err))
		report.skip(SkipError)
		return
	}
	fresh := paced[:0]
	for _, c := range paced {
		if !Ghosted(c.Topic+" "+c.Loop.Description, recent) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		report.skip(SkipGhosted)
		return
	}

	selected := SelectTop(fresh, opts.MaxBatch)

	corpus, err := d.store.Corpus(phone)
	if err != nil {
		log.Warn("load corpus failed", zap.String("phone", phone), zap.Error(err))
		corpus = ""
	}

	// Reuse wording queued by an earlier failed cycle so a send failure
	// does not cost a second generation call for the same topic.
	queued := make(map[string]string, len(sub.PendingQuestions))
	for _, pq := range sub.PendingQuestions {
		queued[strings.ToLower(pq.Topic)] = pq.Question
	}

	questions := make([]string, 0, len(selected))
	pending := make([]types.PendingQuestion, 0, len(selected))
	for _, c := range selected {
		q, ok := queued[strings.ToLower(c.Topic)]
		if !ok {
			q = d.question(ctx, c, local, corpus)
		}
		questions = append(questions, q)
		pending = append(pending, types.PendingQuestion{
			Topic: c.Topic, Question: q, Weight: c.Effective, CreatedAt: now,
		})
	}
	body := d.gen.BatchPrompts(ctx, sub.DisplayName, questions, corpus)

	top := selected[0]
	if opts.RequireApproval {
		d.queueForApproval(phone, top, body, now, report, log)
		return
	}

	if err := d.sender.Send(ctx, phone, body); err != nil {
		log.Warn("nudge send failed", zap.String("phone", phone), zap.Error(err))
		if err := d.store.SavePendingQuestions(phone, pending); err != nil {
			log.Warn("queue questions failed", zap.String("phone", phone), zap.Error(err))
		}
		report.skip(SkipError)
		return
	}
	d.recordSent(phone, top, body, now, log)
	if len(sub.PendingQuestions) > 0 {
		if err := d.store.SavePendingQuestions(phone, nil); err != nil {
			log.Warn("clear queued questions failed", zap.String("phone", phone), zap.Error(err))
		}
	}
	report.sent()
	log.Info("nudge sent",
		zap.String("phone", phone),
		zap.String("topic", top.Topic),
		zap.Int("batched", len(selected)))
}

// sweepDecay downgrades stale active loops and persists the change, so
// subscribers who go silent still become nudge candidates.
func (d *Dispatcher) sweepDecay(sub *types.Subscriber, now time.Time, decayAfter time.Duration, log *zap.Logger) map[string]types.OpenLoop {
	loops := sub.OpenLoops
	changed := false
	for name, loop := range loops {
		if loop.Status == types.LoopActive && now.Sub(loop.LastUpdated) >= decayAfter {
			loop.Status = types.LoopDecaying
			loops[name] = loop
			changed = true
		}
	}
	if changed {
		if err := d.store.SaveLoops(sub.Phone, loops); err != nil {
			log.Warn("persist decay sweep failed", zap.String("phone", sub.Phone), zap.Error(err))
		}
	}
	return loops
}

// question produces the check-in line for one candidate. Imminent events
// get a canned day-of or day-before line; everything else asks the
// generator, which falls back to a canned line on its own.
func (d *Dispatcher) question(ctx context.Context, c Candidate, local time.Time, corpus string) string {
	if c.EventDue {
		if days, ok := DaysUntilEvent(c.Loop, local); ok {
			switch days {
			case 0:
				return fmt.Sprintf("Big day today - how did %s go?", c.Topic)
			case 1:
				return fmt.Sprintf("Tomorrow's the day for %s - feeling ready?", c.Topic)
			}
		}
	}
	return d.gen.CheckInQuestion(ctx, c.Topic, c.Loop, corpusExcerpt(corpus))
}

// queueForApproval records the nudge for human review instead of
// sending. Pacing bookkeeping is deferred to the approved-send path.
func (d *Dispatcher) queueForApproval(phone string, top Candidate, body string, now time.Time, report *Report, log *zap.Logger) {
	open, err := d.store.HasOpenNudge(phone, top.Topic)
	if err != nil {
		log.Warn("nudge dedup check failed", zap.String("phone", phone), zap.Error(err))
		report.skip(SkipError)
		return
	}
	if open {
		report.skip(SkipNoCandidates)
		return
	}
	if _, err := d.store.CreatePendingNudge(phone, top.Topic, top.Effective, body, now, types.NudgePending); err != nil {
		log.Warn("queue nudge failed", zap.String("phone", phone), zap.Error(err))
		report.skip(SkipError)
		return
	}
	report.queued()
	log.Info("nudge queued for approval", zap.String("phone", phone), zap.String("topic", top.Topic))
}

// recordSent applies post-send bookkeeping. Failures here are logged
// only; the message is already out.
func (d *Dispatcher) recordSent(phone string, top Candidate, body string, now time.Time, log *zap.Logger) {
	if _, err := d.store.StoreMessage(phone, types.DirectionOutgoing, body); err != nil {
		log.Warn("store outgoing message failed", zap.String("phone", phone), zap.Error(err))
	}
	if err := d.store.TouchInteraction(phone); err != nil {
		log.Warn("update last interaction failed", zap.String("phone", phone), zap.Error(err))
	}
	if _, err := d.store.CreatePendingNudge(phone, top.Topic, top.Effective, body, now, types.NudgeSent); err != nil {
		log.Warn("record nudge history failed", zap.String("phone", phone), zap.Error(err))
	}
}

// SendApproved delivers operator-approved nudges whose scheduled time
// has passed, applying the same bookkeeping as a direct send.
func (d *Dispatcher) SendApproved(ctx context.Context) (*Report, error) {
	now := d.Now().UTC()
	ready, err := d.store.ApprovedReady(now)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list approved nudges: %w", err)
	}
	report := newReport()
	for _, n := range ready {
		if err := ctx.Err(); err != nil {
			break
		}
		unlock := d.store.Lock(n.Phone)
		if err := d.sender.Send(ctx, n.Phone, n.Body); err != nil {
			d.log.Warn("approved nudge send failed", zap.Int64("id", n.ID), zap.Error(err))
			report.skip(SkipError)
			unlock()
			continue
		}
		if err := d.store.SetNudgeStatus(n.ID, types.NudgeSent); err != nil {
			d.log.Warn("mark nudge sent failed", zap.Int64("id", n.ID), zap.Error(err))
		}
		if _, err := d.store.StoreMessage(n.Phone, types.DirectionOutgoing, n.Body); err != nil {
			d.log.Warn("store outgoing message failed", zap.String("phone", n.Phone), zap.Error(err))
		}
		if err := d.store.TouchInteraction(n.Phone); err != nil {
			d.log.Warn("update last interaction failed", zap.String("phone", n.Phone), zap.Error(err))
		}
		report.sent()
		unlock()
	}
	return report, nil
}

// corpusExcerpt trims the corpus to a prompt-sized prefix.
func corpusExcerpt(corpus string) string {
	const max = 500
	if len(corpus) <= max {
		return corpus
	}
	return corpus[:max]
}
