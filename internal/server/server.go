// Package server exposes the WhatsApp webhook, the cron trigger
// endpoints, and the operator API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"muze/internal/corpus"
	"muze/internal/dispatch"
	"muze/internal/loops"
	"muze/internal/onboarding"
	"muze/internal/store"
)

// Server wires the HTTP surface to the domain components.
type Server struct {
	store      *store.Store
	onboarding *onboarding.Machine
	tracker    *loops.Tracker
	corpus     *corpus.Updater
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	http *http.Server
}

// Config holds listener settings.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// New builds the server and its routes.
func New(cfg Config, st *store.Store, ob *onboarding.Machine, tr *loops.Tracker, cu *corpus.Updater, dp *dispatch.Dispatcher, log *zap.Logger) *Server {
	s := &Server{
		store:      st,
		onboarding: ob,
		tracker:    tr,
		corpus:     cu,
		dispatcher: dp,
		log:        log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Post("/cron/process-nudges", s.handleProcessNudges)
		r.Post("/cron/send-approved", s.handleSendApproved)

		r.Get("/subscribers", s.handleListSubscribers)
		r.Route("/subscribers/{phone}", func(r chi.Router) {
			r.Get("/", s.handleGetSubscriber)
			r.Get("/corpus", s.handleGetCorpus)
			r.Put("/corpus", s.handlePutCorpus)
			r.Put("/settings", s.handlePutSettings)
			r.Post("/reset", s.handleReset)
		})

		r.Get("/nudges", s.handleListNudges)
		r.Post("/nudges/{id}/approve", s.handleApproveNudge)
		r.Post("/nudges/{id}/skip", s.handleSkipNudge)
	})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// twiml is the Twilio messaging response envelope.
type twiml struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// writeTwiML answers a webhook. An empty body yields an empty Response
// element, which tells the transport to reply with nothing.
func (s *Server) writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if err := xml.NewEncoder(w).Encode(twiml{Message: body}); err != nil {
		s.log.Warn("twiml encode failed", zap.Error(err))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
