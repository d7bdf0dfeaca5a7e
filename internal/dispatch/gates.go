package dispatch

import (
	"sort"
	"strings"
	"time"

	"muze/internal/types"
)

// InQuietHours reports whether the local hour falls inside the
// subscriber's do-not-disturb window [start, end). When start > end the
// window wraps past midnight, so start=22 end=9 gates 22,23,0..8.
func InQuietHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// Candidate is one loop that may warrant a nudge this cycle. Effective
// weight is the stored weight, overridden to 5 for an imminent event.
type Candidate struct {
	Topic     string
	Loop      types.OpenLoop
	Effective int
	EventDue  bool
}

// Candidates builds the nudge candidate list from a loop map. A loop
// qualifies when its event date falls within the horizon from today
// (local date), or when it is decaying. Plain active loops with no
// imminent event never qualify.
func Candidates(loops map[string]types.OpenLoop, localNow time.Time, horizonDays int) []Candidate {
	var out []Candidate
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, time.UTC)
	for topic, loop := range loops {
		if loop.Status == types.LoopClosed {
			continue
		}
		if due, _ := eventWithin(loop, today, horizonDays); due {
			out = append(out, Candidate{Topic: topic, Loop: loop, Effective: 5, EventDue: true})
			continue
		}
		if loop.Status == types.LoopDecaying {
			out = append(out, Candidate{Topic: topic, Loop: loop, Effective: clampWeight(loop.Weight)})
		}
	}
	return out
}

// eventWithin reports whether the loop's event date falls between today
// and today+horizonDays-1, inclusive. Past events do not qualify.
func eventWithin(loop types.OpenLoop, today time.Time, horizonDays int) (bool, int) {
	ev, ok := loop.EventDate()
	if !ok {
		return false, 0
	}
	days := int(ev.Sub(today).Hours() / 24)
	if days < 0 || days >= horizonDays {
		return false, 0
	}
	return true, days
}

// DaysUntilEvent returns how many whole local days away the loop's
// event is: 0 for today, 1 for tomorrow. ok is false without an event.
func DaysUntilEvent(loop types.OpenLoop, localNow time.Time) (int, bool) {
	ev, ok := loop.EventDate()
	if !ok {
		return 0, false
	}
	today := time.Date(localNow.Year(), localNow.Month(), localNow.Day(), 0, 0, 0, 0, time.UTC)
	return int(ev.Sub(today).Hours() / 24), true
}

// PacingGap returns the minimum time since last interaction required
// before a candidate of the given effective weight may be raised.
func PacingGap(weight int, p PacingGaps) time.Duration {
	switch {
	case weight >= 5:
		return p.High
	case weight >= 3:
		return p.Medium
	default:
		return p.Low
	}
}

// PacingGaps holds the weight-tiered minimum gaps.
type PacingGaps struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
}

// PassesPacing reports whether enough time has elapsed since the last
// interaction for this effective weight. A nil last interaction means
// the subscriber has never been contacted and always passes. The
// boundary is inclusive: exactly the gap is eligible.
func PassesPacing(lastInteraction *time.Time, now time.Time, weight int, gaps PacingGaps) bool {
	if lastInteraction == nil {
		return true
	}
	return now.Sub(*lastInteraction) >= PacingGap(weight, gaps)
}

// Ghosted reports whether the candidate's topic already surfaced in the
// recent message window, either direction. Matching is keyword overlap:
// any word of four or more characters appearing case-insensitively in a
// recent body counts. Callers pass the topic name, optionally with the
// loop description appended.
func Ghosted(topic string, recent []types.Message) bool {
	words := topicKeywords(topic)
	if len(words) == 0 {
		return false
	}
	for _, msg := range recent {
		body := strings.ToLower(msg.Body)
		for _, w := range words {
			if strings.Contains(body, w) {
				return true
			}
		}
	}
	return false
}

// topicKeywords lowercases the topic and keeps words long enough to be
// distinctive. Short words like "the" or "app" match too much.
func topicKeywords(topic string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(topic)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) >= 4 {
			out = append(out, w)
		}
	}
	return out
}

// SelectTop orders candidates by effective weight descending, then by
// earliest event date, then by topic name, and keeps at most max.
func SelectTop(cands []Candidate, max int) []Candidate {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Effective != b.Effective {
			return a.Effective > b.Effective
		}
		ad, aok := a.Loop.EventDate()
		bd, bok := b.Loop.EventDate()
		if aok != bok {
			return aok
		}
		if aok && bok && !ad.Equal(bd) {
			return ad.Before(bd)
		}
		return a.Topic < b.Topic
	})
	if max > 0 && len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 5 {
		return 5
	}
	return w
}
