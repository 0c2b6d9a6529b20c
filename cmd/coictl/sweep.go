package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-workflow/internal/bootstrap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass",
	Long: `Expire requests past their approval deadline, send due reminders and
re-dispatch stalled requests, then wait for the dispatched work to finish.

Use this from cron when the server runs with SWEEP_INTERVAL=0.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().Duration("wait", 2*time.Minute, "How long to wait for re-dispatched work")
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetDuration("wait")

	app, err := bootstrap.New(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	app.Queue.Start(rootCtx)
	app.Workflow.RunMaintenance(rootCtx)

	drainCtx, cancel := context.WithTimeout(rootCtx, wait)
	defer cancel()
	return app.Queue.Drain(drainCtx)
}
