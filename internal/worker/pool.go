package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
)

// runBatch checks the kill switch, claims up to concurrency jobs and runs them
// concurrently, returning once every claimed job has finished
func (w *Worker) runBatch(ctx context.Context) {
	enabled, err := w.killSwitch.Enabled(ctx)
	if err != nil {
		// Unknown switch state: do not claim
		w.metrics.TicksSkipped.WithLabelValues(metrics.SkipError).Inc()
		w.logger.Warn("Failed to read kill switch, skipping tick",
			slog.Any("error", err),
		)
		return
	}
	if enabled {
		w.metrics.TicksSkipped.WithLabelValues(metrics.SkipKillSwitch).Inc()
		w.logger.Debug("Kill switch enabled, skipping tick")
		return
	}

	jobs, err := w.store.Claim(ctx, w.concurrency, w.workerID)
	if err != nil {
		w.logger.Error("Failed to claim jobs",
			slog.String("worker_id", w.workerID),
			slog.Any("error", err),
		)
		return
	}
	if len(jobs) == 0 {
		return
	}

	w.metrics.JobsClaimed.Add(float64(len(jobs)))
	w.logger.Info("Claimed jobs",
		slog.String("worker_id", w.workerID),
		slog.Int("count", len(jobs)),
	)

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			if err := w.processSafely(ctx, job); err != nil {
				w.logger.Error("Job processing failed",
					slog.String("job_id", job.ID),
					slog.String("natural_key", job.NaturalKey),
					slog.Any("error", err),
				)
			}
		}(job)
	}
	wg.Wait()
}

// processSafely turns a panic inside one job into an error so siblings in the
// batch are unaffected
func (w *Worker) processSafely(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Recovered panic in job processing",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic processing job %s: %v", job.ID, r)
		}
	}()

	return w.processor.Process(ctx, job, w.workerID)
}
