package corpus

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// contextPatterns detect messages asking the system to summarize what it
// knows about a topic. The first capture group is the topic.
var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`provide\s+(?:me\s+with\s+)?context\s+(?:on|about|regarding|for)\s+(.+)`),
	regexp.MustCompile(`give\s+(?:me\s+)?context\s+(?:on|about|regarding|for)\s+(.+)`),
	regexp.MustCompile(`context\s+(?:on|about|regarding|for)\s+(.+)`),
	regexp.MustCompile(`what\s+do\s+you\s+know\s+about\s+(.+)`),
	regexp.MustCompile(`tell\s+me\s+(?:everything\s+)?about\s+(.+)`),
}

var trailingPunct = regexp.MustCompile(`[.!?]+$`)

// ContextTopic reports whether a message is a context request and, if
// so, the topic it asks about.
func ContextTopic(message string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, p := range contextPatterns {
		if m := p.FindStringSubmatch(lower); m != nil {
			topic := strings.TrimSpace(trailingPunct.ReplaceAllString(m[1], ""))
			return topic, true
		}
	}
	return "", false
}

// maxBriefLen keeps the reply inside a single WhatsApp message.
const maxBriefLen = 1450

const briefFooter = "\n\n---\nCopy this message and paste it into your AI conversation for context"

// Brief produces a copy-paste ready summary of everything the corpus
// holds about a topic.
func (u *Updater) Brief(ctx context.Context, phone, topic string) (string, error) {
	corpus, err := u.store.Corpus(phone)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(corpus) == "" {
		return "No knowledge graph found. Start chatting to build your context library!", nil
	}
	brief, err := u.cur.ContextBrief(ctx, corpus, topic)
	if err != nil {
		u.log.Warn("context brief failed", zap.String("topic", topic), zap.Error(err))
		return "Sorry, I couldn't pull that context together right now.", nil
	}
	if len(brief) > maxBriefLen {
		brief = brief[:maxBriefLen] + "\n\n*[Truncated to fit WhatsApp limit]*"
	}
	if len(brief)+len(briefFooter) <= 1550 {
		brief += briefFooter
	}
	return brief, nil
}
