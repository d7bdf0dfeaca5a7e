package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var dryRun bool

// dispatchCmd runs exactly one dispatch cycle, for external cron setups.
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one nudge dispatch cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), !dryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.dispatcher.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("sent=%d queued=%d skipped=%d reasons=%v\n",
			report.Sent, report.Queued, report.Skipped, report.Reasons)
		return nil
	},
}

// sendApprovedCmd delivers operator-approved nudges whose scheduled
// time has passed.
var sendApprovedCmd = &cobra.Command{
	Use:   "send-approved",
	Short: "Send approved pending nudges",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), !dryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.dispatcher.SendApproved(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("sent=%d skipped=%d at %s\n",
			report.Sent, report.Skipped, time.Now().Format(time.RFC3339))
		return nil
	},
}

func init() {
	dispatchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log sends instead of calling the transport")
	sendApprovedCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log sends instead of calling the transport")
}
