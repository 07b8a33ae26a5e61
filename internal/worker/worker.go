package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/killswitch"
	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"github.com/google/uuid"
)

// JobProcessor executes one leased job
type JobProcessor interface {
	Process(ctx context.Context, job *domain.Job, workerID string) error
}

// Config holds worker configuration
type Config struct {
	Logger     *slog.Logger
	Store      storage.JobStore
	Processor  JobProcessor
	KillSwitch killswitch.Switch
	Metrics    *metrics.Metrics

	// WorkerID identifies this process in locked_by; generated when empty
	WorkerID     string
	PollInterval time.Duration
	Concurrency  int

	// StopSignals stop the loop when received. Empty registers no hook.
	StopSignals []os.Signal
}

// Worker is the polling driver of the OCR queue
type Worker struct {
	logger       *slog.Logger
	store        storage.JobStore
	processor    JobProcessor
	killSwitch   killswitch.Switch
	metrics      *metrics.Metrics
	workerID     string
	pollInterval time.Duration
	concurrency  int
	stopSignals  []os.Signal
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = NewWorkerID()
	}
	ks := cfg.KillSwitch
	if ks == nil {
		ks = killswitch.NewStatic(false)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Worker{
		logger:       cfg.Logger,
		store:        cfg.Store,
		processor:    cfg.Processor,
		killSwitch:   ks,
		metrics:      m,
		workerID:     workerID,
		pollInterval: cfg.PollInterval,
		concurrency:  concurrency,
		stopSignals:  cfg.StopSignals,
	}
}

// NewWorkerID returns hostname-uuid
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString())
}

// ID returns the lease owner name used by this worker
func (w *Worker) ID() string {
	return w.workerID
}

// Handle controls a started polling loop
type Handle struct {
	w        *Worker
	ctx      context.Context
	ticker   *time.Ticker
	signals  chan os.Signal
	stopCh   chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	running  atomic.Bool
	inflight sync.WaitGroup
}

// Start clears expired leases, then polls every PollInterval until Stop, a
// stop signal, or ctx is done. Job executions do not inherit ctx's
// cancellation.
func (w *Worker) Start(ctx context.Context) (*Handle, error) {
	if w.pollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", w.pollInterval)
	}

	cleared, err := w.store.ClearExpiredLocks(ctx)
	if err != nil {
		w.logger.Error("Failed to clear expired locks",
			slog.Any("error", err),
		)
	} else if cleared > 0 {
		w.logger.Info("Cleared expired job locks",
			slog.Int64("count", cleared),
		)
	}

	h := &Handle{
		w:        w,
		ctx:      context.WithoutCancel(ctx),
		ticker:   time.NewTicker(w.pollInterval),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	if len(w.stopSignals) > 0 {
		h.signals = make(chan os.Signal, 1)
		signal.Notify(h.signals, w.stopSignals...)
	}

	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
	)

	go h.loop(ctx.Done())

	return h, nil
}

func (h *Handle) loop(ctxDone <-chan struct{}) {
	defer close(h.loopDone)

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctxDone:
			h.w.logger.Info("Worker context canceled, stopping...")
			h.Stop()
			return
		case sig := <-h.signals:
			h.w.logger.Info("Received stop signal",
				slog.String("signal", sig.String()),
			)
			h.Stop()
			return
		case <-h.ticker.C:
			h.tick()
		}
	}
}

// tick starts one batch unless the worker is stopped or a batch is running
func (h *Handle) tick() {
	if h.stopped.Load() {
		return
	}
	if !h.running.CompareAndSwap(false, true) {
		h.w.metrics.TicksSkipped.WithLabelValues(metrics.SkipBusy).Inc()
		return
	}

	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		defer h.running.Store(false)
		h.w.runBatch(h.ctx)
	}()
}

// Stop halts polling and unregisters the signal hook. In-flight executions
// keep running; use Wait to block until they finish. Safe to call repeatedly.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		h.ticker.Stop()
		if h.signals != nil {
			signal.Stop(h.signals)
		}
		close(h.stopCh)

		h.w.logger.Info("Stopping worker...",
			slog.String("worker_id", h.w.workerID),
		)
	})
}

// Wait blocks until the loop has stopped and in-flight work has drained
func (h *Handle) Wait() {
	<-h.loopDone
	h.inflight.Wait()
	h.w.logger.Info("Worker stopped",
		slog.String("worker_id", h.w.workerID),
	)
}

// Stopped reports whether Stop has been called
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}
