// Package corpus maintains the per-subscriber free-text knowledge
// document. The loop tracker issues advisory cleanup directives against
// it; all text surgery happens here, through the extractor.
package corpus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Store is the corpus persistence.
type Store interface {
	Corpus(phone string) (string, error)
	PutCorpus(phone, markdown string) error
}

// Curator performs the LLM-backed text operations.
type Curator interface {
	MergeConversation(ctx context.Context, corpus, userMessage, botReply string) (string, error)
	CleanCorpus(ctx context.Context, corpus string, directives []string) (string, error)
	ContextBrief(ctx context.Context, corpus, topic string) (string, error)
}

// Updater folds conversation signal into the corpus and applies tracker
// cleanup directives.
type Updater struct {
	store Store
	cur   Curator
	log   *zap.Logger
}

// NewUpdater builds an Updater.
func NewUpdater(store Store, cur Curator, log *zap.Logger) *Updater {
	return &Updater{store: store, cur: cur, log: log}
}

var smallTalk = map[string]bool{
	"hi": true, "hello": true, "hey": true, "thanks": true,
	"thank you": true, "ok": true, "okay": true, "yes": true, "no": true,
}

var personalMarkers = []string{
	"i am", "i'm", "my", "i work", "i like", "i love", "i hate",
	"i want", "i need", "i think", "i believe", "i feel",
	"my family", "my friend", "my job", "my goal",
}

// ShouldUpdate reports whether a message is worth an extraction call.
// Short exchanges and small talk are skipped without touching the LLM.
func ShouldUpdate(userMessage string) bool {
	if len(userMessage) < 10 {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(userMessage))
	if smallTalk[lower] {
		return false
	}
	for _, marker := range personalMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return len(userMessage) > 50
}

// Update merges one conversation turn into the subscriber's corpus. A
// no-signal message or an unchanged merge result writes nothing.
func (u *Updater) Update(ctx context.Context, phone, userMessage, botReply string) (bool, error) {
	if !ShouldUpdate(userMessage) {
		u.log.Debug("corpus update skipped, no signal", zap.String("phone", phone))
		return false, nil
	}
	current, err := u.store.Corpus(phone)
	if err != nil {
		return false, fmt.Errorf("corpus: load: %w", err)
	}
	if current == "" {
		u.log.Debug("corpus update skipped, no document yet", zap.String("phone", phone))
		return false, nil
	}
	merged, err := u.cur.MergeConversation(ctx, current, userMessage, botReply)
	if err != nil {
		return false, fmt.Errorf("corpus: merge: %w", err)
	}
	if strings.TrimSpace(merged) == strings.TrimSpace(current) {
		return false, nil
	}
	if err := u.store.PutCorpus(phone, merged); err != nil {
		return false, fmt.Errorf("corpus: save: %w", err)
	}
	u.log.Info("corpus updated", zap.String("phone", phone))
	return true, nil
}

// ApplyCleanup executes the tracker's cleanup directives against the
// corpus. Extraction failure leaves the document untouched.
func (u *Updater) ApplyCleanup(ctx context.Context, phone string, directives []string) error {
	if len(directives) == 0 {
		return nil
	}
	current, err := u.store.Corpus(phone)
	if err != nil {
		return fmt.Errorf("corpus: load: %w", err)
	}
	if current == "" {
		return nil
	}
	cleaned, err := u.cur.CleanCorpus(ctx, current, directives)
	if err != nil {
		u.log.Warn("corpus cleanup failed, document unchanged",
			zap.String("phone", phone), zap.Error(err))
		return nil
	}
	if strings.TrimSpace(cleaned) == strings.TrimSpace(current) {
		return nil
	}
	if err := u.store.PutCorpus(phone, cleaned); err != nil {
		return fmt.Errorf("corpus: save: %w", err)
	}
	u.log.Info("corpus cleaned",
		zap.String("phone", phone), zap.Int("directives", len(directives)))
	return nil
}
