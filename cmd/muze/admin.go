package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"muze/internal/config"
	"muze/internal/store"
	"muze/internal/types"
)

// initCmd writes a default config file for a new deployment.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

// subscribersCmd lists subscribers and their onboarding/loop state.
var subscribersCmd = &cobra.Command{
	Use:   "subscribers",
	Short: "List subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.Store.DatabasePath, store.Defaults{
			Timezone:   cfg.Scheduler.DefaultTimezone,
			QuietStart: cfg.Scheduler.DefaultQuietStart,
			QuietEnd:   cfg.Scheduler.DefaultQuietEnd,
		}, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		subs, err := st.List()
		if err != nil {
			return err
		}
		for _, sub := range subs {
			open := 0
			for _, loop := range sub.OpenLoops {
				if loop.Status != types.LoopClosed {
					open++
				}
			}
			name := sub.DisplayName
			if name == "" {
				name = "(onboarding)"
			}
			fmt.Printf("%-20s %-16s step=%-3d loops=%d tz=%s\n",
				sub.Phone, name, sub.OnboardingStep, open, sub.Timezone)
		}
		fmt.Printf("%d subscriber(s)\n", len(subs))
		return nil
	},
}
