package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handler processes one dequeued job payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// WorkerMetrics counts processed jobs per queue and action.
type WorkerMetrics struct {
	Processed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewWorkerMetrics registers worker metrics on the given registerer.
func NewWorkerMetrics(reg prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "press_worker_jobs_processed_total",
			Help: "Background jobs completed successfully.",
		}, []string{"queue", "action"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "press_worker_jobs_failed_total",
			Help: "Background jobs that returned an error.",
		}, []string{"queue", "action"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "press_worker_job_duration_seconds",
			Help:    "Background job execution time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"queue", "action"}),
	}
	reg.MustRegister(m.Processed, m.Failed, m.Duration)
	return m
}

// Worker pulls jobs from the queue and dispatches them to registered
// handlers. Each job runs under a per-action timeout.
type Worker struct {
	queue      *Queue
	logger     *slog.Logger
	metrics    *WorkerMetrics
	queues     []string
	concurrent int
	jobTimeout time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	timeouts map[string]time.Duration
}

// NewWorker builds a worker pool over the named queues.
func NewWorker(q *Queue, logger *slog.Logger, metrics *WorkerMetrics, queues []string, concurrent int, jobTimeout time.Duration) *Worker {
	if concurrent < 1 {
		concurrent = 1
	}
	return &Worker{
		queue:      q,
		logger:     logger,
		metrics:    metrics,
		queues:     queues,
		concurrent: concurrent,
		jobTimeout: jobTimeout,
		handlers:   make(map[string]Handler),
		timeouts:   make(map[string]time.Duration),
	}
}

// Register binds an action name to a handler. Registering twice replaces
// the earlier binding.
func (w *Worker) Register(action string, handler Handler) {
	w.mu.Lock()
	w.handlers[action] = handler
	w.mu.Unlock()
}

// RegisterWithTimeout binds a handler with its own timeout, for long
// actions such as image builds.
func (w *Worker) RegisterWithTimeout(action string, timeout time.Duration, handler Handler) {
	w.mu.Lock()
	w.handlers[action] = handler
	w.timeouts[action] = timeout
	w.mu.Unlock()
}

// Run blocks processing jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting", "queues", w.queues, "concurrency", w.concurrent)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue(ctx, w.queues, 5*time.Second)
		if err != nil {
			if errors.Is(err, ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	defer w.queue.ReleaseDedup(context.WithoutCancel(ctx), job)

	w.mu.RLock()
	handler, ok := w.handlers[job.Action]
	timeout, hasTimeout := w.timeouts[job.Action]
	w.mu.RUnlock()
	if !ok {
		w.logger.Error("no handler for action", "action", job.Action, "queue", job.Queue)
		return
	}
	if !hasTimeout {
		timeout = w.jobTimeout
	}

	jobCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	err := safeInvoke(jobCtx, handler, job.Payload)
	elapsed := time.Since(start)
	if w.metrics != nil {
		w.metrics.Duration.WithLabelValues(job.Queue, job.Action).Observe(elapsed.Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			w.logger.Error("job timed out", "job", job.ID, "action", job.Action, "timeout", timeout)
		} else {
			w.logger.Error("job failed", "job", job.ID, "action", job.Action, "error", err, "elapsed", elapsed)
		}
		if w.metrics != nil {
			w.metrics.Failed.WithLabelValues(job.Queue, job.Action).Inc()
		}
		return
	}
	if w.metrics != nil {
		w.metrics.Processed.WithLabelValues(job.Queue, job.Action).Inc()
	}
	w.logger.Info("job done", "job", job.ID, "action", job.Action, "elapsed", elapsed)
}

func safeInvoke(ctx context.Context, handler Handler, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}
