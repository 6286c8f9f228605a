package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/frappe/press-sub003/pkg/config"
	"github.com/frappe/press-sub003/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("pressd", slog.LevelInfo)

	root := &cobra.Command{
		Use:           "pressd",
		Short:         "Control plane for the Press hosting platform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(cfg, log),
		newWorkerCmd(cfg, log),
		newSchedulerCmd(cfg, log),
		newMigrateCmd(cfg, log),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}
