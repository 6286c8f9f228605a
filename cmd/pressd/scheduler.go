package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/frappe/press-sub003/pkg/config"
)

func newSchedulerCmd(cfg config.Config, log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the periodic sweep loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			log.Info("scheduler starting", "interval", cfg.SweepInterval.String())
			return app.sched.Run(cmd.Context())
		},
	}
}
