// Package loops implements the open-loop tracker: deterministic
// bookkeeping over the advisory text-insight extractor. The extractor
// proposes loop changes; the tracker decides what actually happens to the
// loop map, and it alone owns the decay rule.
package loops

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muze/internal/insight"
	"muze/internal/types"
)

// Reconciler is the extractor capability the tracker consumes.
type Reconciler interface {
	ReconcileLoops(ctx context.Context, message, corpus string, current map[string]types.OpenLoop) (*insight.Reconciliation, error)
}

// Tracker reconciles a subscriber's loop set against each inbound
// message. It is stateless; all state lives in the loop map it is handed.
type Tracker struct {
	rec Reconciler
	log *zap.Logger

	// DecayAfter is the silence threshold after which an active loop
	// starts decaying.
	DecayAfter time.Duration

	// Now is injectable for deterministic tests.
	Now func() time.Time
}

// New creates a tracker with the default 7-day decay threshold.
func New(rec Reconciler, log *zap.Logger) *Tracker {
	return &Tracker{
		rec:        rec,
		log:        log,
		DecayAfter: 7 * 24 * time.Hour,
		Now:        time.Now,
	}
}

// SetDecayAfter adjusts the decay threshold; zero or negative values are
// ignored. Safe to call between Update invocations (config reload).
func (t *Tracker) SetDecayAfter(d time.Duration) {
	if d > 0 {
		t.DecayAfter = d
	}
}

// Update reconciles the loop map against one inbound message and returns
// the revised map plus corpus cleanup directives. It never fails: on
// extractor error the input map is returned unchanged apart from the
// decay sweep, which is local arithmetic and always runs.
//
// Rules layered on the extractor's advisory output:
//   - loops the extractor omitted are carried forward unchanged
//   - closed loops are terminal; attempts to reopen them are ignored
//   - loops the extractor touched get LastUpdated stamped by the
//     tracker's clock, not the model's
func (t *Tracker) Update(ctx context.Context, message, corpus string, current map[string]types.OpenLoop) (map[string]types.OpenLoop, []string) {
	now := t.Now().UTC()

	updated := cloneLoops(current)

	result, err := t.rec.ReconcileLoops(ctx, message, corpus, current)
	if err != nil {
		t.log.Warn("loop reconciliation failed, keeping state", zap.Error(err))
		t.sweep(updated, now)
		return updated, nil
	}

	for topic, proposed := range result.Loops {
		key, existing, ok := findLoop(updated, topic)
		if !ok {
			// New loop. Stamp with our clock; a freshly created loop
			// is never already decaying.
			proposed.LastUpdated = now
			if proposed.Status == types.LoopDecaying {
				proposed.Status = types.LoopActive
			}
			updated[topic] = proposed
			t.log.Info("loop opened", zap.String("topic", topic), zap.Int("weight", proposed.Weight))
			continue
		}

		if existing.Status == types.LoopClosed {
			// Closed is terminal; the model reopening old topics on a
			// stray keyword match caused duplicate nudges upstream.
			continue
		}

		existing.Weight = proposed.Weight
		existing.NextEventDate = proposed.NextEventDate
		existing.Description = proposed.Description
		existing.LastUpdated = now
		if proposed.Status == types.LoopClosed {
			existing.Status = types.LoopClosed
			t.log.Info("loop closed", zap.String("topic", key))
		} else {
			// Any touch reconfirms the topic: decaying goes back to
			// active.
			existing.Status = types.LoopActive
		}
		updated[key] = existing
	}

	t.sweep(updated, now)
	return updated, result.Cleanup
}

// Sweep applies only the decay rule to a loop map, for callers that have
// no new message signal (the dispatcher pre-pass).
func (t *Tracker) Sweep(current map[string]types.OpenLoop) map[string]types.OpenLoop {
	updated := cloneLoops(current)
	t.sweep(updated, t.Now().UTC())
	return updated
}

func (t *Tracker) sweep(loops map[string]types.OpenLoop, now time.Time) {
	for topic, loop := range loops {
		if loop.Status != types.LoopActive {
			continue
		}
		if loop.LastUpdated.IsZero() {
			continue
		}
		if now.Sub(loop.LastUpdated) >= t.DecayAfter {
			loop.Status = types.LoopDecaying
			loops[topic] = loop
			t.log.Info("loop decaying",
				zap.String("topic", topic),
				zap.Duration("silent_for", now.Sub(loop.LastUpdated)))
		}
	}
}

func cloneLoops(in map[string]types.OpenLoop) map[string]types.OpenLoop {
	out := make(map[string]types.OpenLoop, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// findLoop matches a topic case-insensitively against the map keys.
func findLoop(loops map[string]types.OpenLoop, topic string) (string, types.OpenLoop, bool) {
	sub := types.Subscriber{OpenLoops: loops}
	return sub.FindLoop(topic)
}
