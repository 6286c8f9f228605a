package main

import (
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/frappe/press-sub003/internal/queue"
	"github.com/frappe/press-sub003/pkg/config"
)

func newWorkerCmd(cfg config.Config, log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a background job worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer app.Close()

			worker := queue.NewWorker(
				app.queue,
				log,
				queue.NewWorkerMetrics(prometheus.DefaultRegisterer),
				workerQueues(cfg.WorkerQueues),
				cfg.WorkerConcurrent,
				cfg.JobTimeout,
			)
			app.sched.RegisterHandlers(worker)

			log.Info("worker starting", "queues", cfg.WorkerQueues, "concurrency", cfg.WorkerConcurrent)
			return worker.Run(cmd.Context())
		},
	}
}

func workerQueues(raw string) []string {
	parts := strings.Split(raw, ",")
	queues := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			queues = append(queues, name)
		}
	}
	return queues
}
