package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"muze/internal/config"
	"muze/internal/corpus"
	"muze/internal/dispatch"
	"muze/internal/insight"
	"muze/internal/loops"
	"muze/internal/onboarding"
	"muze/internal/store"
	"muze/internal/transport"
)

// app bundles the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	store      *store.Store
	extractor  *insight.Extractor
	tracker    *loops.Tracker
	onboarding *onboarding.Machine
	corpus     *corpus.Updater
	dispatcher *dispatch.Dispatcher
}

// buildApp wires the full stack. When sending is false the transport is
// replaced by a logger, so read-only commands work without Twilio
// credentials.
func buildApp(ctx context.Context, sending bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.DatabasePath, store.Defaults{
		Timezone:   cfg.Scheduler.DefaultTimezone,
		QuietStart: cfg.Scheduler.DefaultQuietStart,
		QuietEnd:   cfg.Scheduler.DefaultQuietEnd,
	}, logger)
	if err != nil {
		return nil, err
	}

	llm, err := insight.NewGeminiClient(ctx, insight.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.TimeoutDuration(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("llm client: %w", err)
	}
	extractor := insight.NewExtractor(llm, logger)

	tracker := loops.New(extractor, logger)
	tracker.SetDecayAfter(cfg.Scheduler.DecayDuration())

	machine := onboarding.New(st, extractor, logger, cfg.Scheduler.DefaultTimezone)
	updater := corpus.NewUpdater(st, extractor, logger)

	var sender dispatch.Sender
	if sending {
		tw, err := transport.NewTwilio(transport.TwilioConfig{
			AccountSID: cfg.Transport.AccountSID,
			AuthToken:  cfg.Transport.AuthToken,
			FromNumber: cfg.Transport.FromNumber,
			BaseURL:    cfg.Transport.BaseURL,
			Timeout:    cfg.Transport.TimeoutDuration(),
			Retries:    cfg.Transport.Retries,
			RetryWait:  cfg.Transport.RetryWaitDuration(),
		}, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		sender = tw
	} else {
		sender = transport.SenderFunc(func(ctx context.Context, to, body string) error {
			logger.Info("dry-run send", zap.String("to", to), zap.String("body", body))
			return nil
		})
	}

	dispatcher := dispatch.New(st, extractor, sender, dispatchOptions(cfg), logger)

	return &app{
		cfg:        cfg,
		store:      st,
		extractor:  extractor,
		tracker:    tracker,
		onboarding: machine,
		corpus:     updater,
		dispatcher: dispatcher,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}

func dispatchOptions(cfg *config.Config) dispatch.Options {
	sch := cfg.Scheduler
	return dispatch.Options{
		Workers:          sch.Workers,
		MaxBatch:         sch.MaxBatch,
		RecentWindow:     sch.RecentWindow,
		EventHorizonDays: sch.EventHorizonDays,
		DecayAfter:       sch.DecayDuration(),
		Deadline:         sch.DeadlineDuration(),
		Pacing: dispatch.PacingGaps{
			High:   hours(sch.Pacing.HighHours, 4),
			Medium: hours(sch.Pacing.MediumHours, 24),
			Low:    hours(sch.Pacing.LowHours, 48),
		},
		RequireApproval: sch.RequireApproval,
		DefaultTimezone: sch.DefaultTimezone,
	}
}

func hours(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Hour
}
