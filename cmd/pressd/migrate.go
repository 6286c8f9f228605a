package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/frappe/press-sub003/internal/app/migrate"
	"github.com/frappe/press-sub003/pkg/config"
)

func newMigrateCmd(cfg config.Config, log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), cfg, log, func(ctx context.Context, runner migrate.Runner) error {
				return runner.Ensure(ctx)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), cfg, log, func(ctx context.Context, runner migrate.Runner) error {
				return runner.Status(ctx)
			})
		},
	})

	var targetVersion int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd.Context(), cfg, log, func(ctx context.Context, runner migrate.Runner) error {
				return runner.Down(ctx, targetVersion)
			})
		},
	}
	down.Flags().Int64Var(&targetVersion, "to", 0, "target migration version")
	cmd.AddCommand(down)

	return cmd
}

func withRunner(ctx context.Context, cfg config.Config, log *slog.Logger, fn func(context.Context, migrate.Runner) error) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return fmt.Errorf("configure migrations: %w", err)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		return err
	}
	return fn(ctx, runner)
}
