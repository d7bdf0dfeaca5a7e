package server

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"muze/internal/corpus"
	"muze/internal/types"
)

// handleWebhook receives inbound WhatsApp messages from the transport.
// Subscribers still onboarding get a synchronous reply; completed
// subscribers feed the loop tracker and corpus updater and get an empty
// response, leaving conversational replies to the human operator.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form payload")
		return
	}
	in := types.Inbound{
		Phone:        r.FormValue("From"),
		Body:         strings.TrimSpace(r.FormValue("Body")),
		MediaPresent: r.FormValue("NumMedia") != "" && r.FormValue("NumMedia") != "0",
		MediaRef:     r.FormValue("MediaUrl0"),
	}
	if in.Phone == "" {
		writeError(w, http.StatusBadRequest, "missing sender")
		return
	}
	if in.Body == "" {
		if in.MediaPresent {
			in.Body = "[Unsupported media]"
		} else {
			in.Body = "[Empty message]"
		}
	}

	unlock := s.store.Lock(in.Phone)
	defer unlock()

	sub, err := s.store.GetOrCreate(in.Phone)
	if err != nil {
		s.log.Error("load subscriber failed", zap.String("phone", in.Phone), zap.Error(err))
		s.writeTwiML(w, "")
		return
	}
	if err := s.store.TouchInteraction(in.Phone); err != nil {
		s.log.Warn("touch interaction failed", zap.String("phone", in.Phone), zap.Error(err))
	}

	ctx := r.Context()

	if sub.OnboardingStep < types.StepComplete {
		s.serveOnboarding(ctx, w, sub, in.Body)
		return
	}

	if topic, ok := corpus.ContextTopic(in.Body); ok {
		s.serveContextRequest(ctx, w, in.Phone, in.Body, topic)
		return
	}

	if _, err := s.store.StoreMessage(in.Phone, types.DirectionIncoming, in.Body); err != nil {
		s.log.Error("store message failed", zap.String("phone", in.Phone), zap.Error(err))
		s.writeTwiML(w, "")
		return
	}

	s.updateIntelligence(ctx, sub, in.Body)
	s.writeTwiML(w, "")
}

func (s *Server) serveOnboarding(ctx context.Context, w http.ResponseWriter, sub *types.Subscriber, text string) {
	reply, complete, err := s.onboarding.Handle(ctx, sub, text)
	if err != nil {
		s.log.Error("onboarding failed", zap.String("phone", sub.Phone), zap.Error(err))
		s.writeTwiML(w, "")
		return
	}
	if msg, err := s.store.StoreMessage(sub.Phone, types.DirectionIncoming, text); err == nil {
		if err := s.store.MarkProcessed(msg.ID); err != nil {
			s.log.Warn("mark processed failed", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}
	if _, err := s.store.StoreMessage(sub.Phone, types.DirectionOutgoing, reply); err != nil {
		s.log.Warn("store reply failed", zap.String("phone", sub.Phone), zap.Error(err))
	}
	s.log.Info("onboarding reply",
		zap.String("phone", sub.Phone),
		zap.Int("step", sub.OnboardingStep),
		zap.Bool("complete", complete))
	s.writeTwiML(w, reply)
}

func (s *Server) serveContextRequest(ctx context.Context, w http.ResponseWriter, phone, text, topic string) {
	brief, err := s.corpus.Brief(ctx, phone, topic)
	if err != nil {
		s.log.Error("context brief failed", zap.String("phone", phone), zap.Error(err))
		s.writeTwiML(w, "")
		return
	}
	if msg, err := s.store.StoreMessage(phone, types.DirectionIncoming, text); err == nil {
		if err := s.store.MarkProcessed(msg.ID); err != nil {
			s.log.Warn("mark processed failed", zap.Int64("id", msg.ID), zap.Error(err))
		}
	}
	if _, err := s.store.StoreMessage(phone, types.DirectionOutgoing, brief); err != nil {
		s.log.Warn("store reply failed", zap.String("phone", phone), zap.Error(err))
	}
	s.log.Info("context request served", zap.String("phone", phone), zap.String("topic", topic))
	s.writeTwiML(w, brief)
}

// updateIntelligence runs the corpus merge, loop reconciliation, and
// cleanup application for one inbound message. Failures are logged and
// never reach the subscriber.
func (s *Server) updateIntelligence(ctx context.Context, sub *types.Subscriber, text string) {
	if _, err := s.corpus.Update(ctx, sub.Phone, text, ""); err != nil {
		s.log.Warn("corpus update failed", zap.String("phone", sub.Phone), zap.Error(err))
	}

	doc, err := s.store.Corpus(sub.Phone)
	if err != nil {
		s.log.Warn("load corpus failed", zap.String("phone", sub.Phone), zap.Error(err))
		doc = ""
	}

	updated, cleanup := s.tracker.Update(ctx, text, doc, sub.OpenLoops)
	if err := s.store.SaveLoops(sub.Phone, updated); err != nil {
		s.log.Error("save loops failed", zap.String("phone", sub.Phone), zap.Error(err))
		return
	}
	if len(cleanup) > 0 {
		if err := s.corpus.ApplyCleanup(ctx, sub.Phone, cleanup); err != nil {
			s.log.Warn("corpus cleanup failed", zap.String("phone", sub.Phone), zap.Error(err))
		}
	}
}
