package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ipmon/ipmon/internal/scheduler"
)

// newJobCmd runs one scheduled job in the foreground, for cron or systemd timers.
func newJobCmd(a *app, use, jobID, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := a.openDB(nil)
			if err != nil {
				return err
			}
			jobs := a.jobs(db, scheduler.New())
			return jobs.Run(ctx, jobID)
		},
	}
}
