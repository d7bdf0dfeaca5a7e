package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"muze/internal/dispatch"
	"muze/internal/store"
	"muze/internal/types"
)

func (s *Server) handleProcessNudges(w http.ResponseWriter, r *http.Request) {
	report, err := s.dispatcher.Run(r.Context())
	if err != nil {
		if errors.Is(err, dispatch.ErrRunInProgress) {
			writeError(w, http.StatusConflict, "dispatch cycle already running")
			return
		}
		s.log.Error("dispatch cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSendApproved(w http.ResponseWriter, r *http.Request) {
	report, err := s.dispatcher.SendApproved(r.Context())
	if err != nil {
		s.log.Error("approved send failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "approved send failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list subscribers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(subs),
		"subscribers": subs,
	})
}

func (s *Server) handleGetSubscriber(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	sub, err := s.store.Get(phone)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscriber not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "load subscriber failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGetCorpus(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	doc, err := s.store.Corpus(phone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load corpus failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"phone": phone, "corpus": doc})
}

func (s *Server) handlePutCorpus(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	var body struct {
		Corpus string `json:"corpus"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.store.PutCorpus(phone, body.Corpus); err != nil {
		writeError(w, http.StatusInternalServerError, "save corpus failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	var body struct {
		Timezone        *string `json:"timezone"`
		QuietHoursStart *int    `json:"quiet_hours_start"`
		QuietHoursEnd   *int    `json:"quiet_hours_end"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Timezone != nil {
		if err := s.store.UpdateTimezone(phone, *body.Timezone); err != nil {
			subscriberError(w, err, "update timezone failed")
			return
		}
	}
	if body.QuietHoursStart != nil || body.QuietHoursEnd != nil {
		sub, err := s.store.Get(phone)
		if err != nil {
			subscriberError(w, err, "load subscriber failed")
			return
		}
		start, end := sub.QuietHoursStart, sub.QuietHoursEnd
		if body.QuietHoursStart != nil {
			start = *body.QuietHoursStart
		}
		if body.QuietHoursEnd != nil {
			end = *body.QuietHoursEnd
		}
		if err := s.store.UpdateQuietHours(phone, start, end); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleReset is the one sanctioned way an onboarding step moves
// backwards.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	unlock := s.store.Lock(phone)
	defer unlock()
	if err := s.store.ResetOnboarding(phone); err != nil {
		subscriberError(w, err, "reset failed")
		return
	}
	s.log.Info("onboarding reset", zap.String("phone", phone))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleListNudges(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = types.NudgePending
	}
	nudges, err := s.store.ListNudges(status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list nudges failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(nudges), "nudges": nudges})
}

func (s *Server) handleApproveNudge(w http.ResponseWriter, r *http.Request) {
	s.setNudgeStatus(w, r, types.NudgeApproved)
}

func (s *Server) handleSkipNudge(w http.ResponseWriter, r *http.Request) {
	s.setNudgeStatus(w, r, types.NudgeSkipped)
}

func (s *Server) setNudgeStatus(w http.ResponseWriter, r *http.Request, status string) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nudge id")
		return
	}
	if err := s.store.SetNudgeStatus(id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "nudge not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "update nudge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func subscriberError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscriber not found")
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}
