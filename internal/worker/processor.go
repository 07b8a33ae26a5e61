package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/audit"
	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/ocr"
	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"golang.org/x/time/rate"
)

// ProcessorConfig holds the collaborators of the execution harness
type ProcessorConfig struct {
	Logger    *slog.Logger
	Store     storage.JobStore
	Documents ocr.Documents
	Storage   ocr.Storage
	Provider  ocr.Provider
	Auditor   audit.Logger
	Policy    retry.Policy

	// Limiter throttles provider calls; nil means unlimited
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Processor executes one claimed OCR job and records its outcome
type Processor struct {
	logger    *slog.Logger
	store     storage.JobStore
	documents ocr.Documents
	storage   ocr.Storage
	provider  ocr.Provider
	auditor   audit.Logger
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	tracker   retry.Tracker[*domain.Job, domain.Status]
	now       func() time.Time
}

// NewProcessor creates a new processor instance
func NewProcessor(cfg *ProcessorConfig) *Processor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	return &Processor{
		logger:    cfg.Logger,
		store:     cfg.Store,
		documents: cfg.Documents,
		storage:   cfg.Storage,
		provider:  cfg.Provider,
		auditor:   cfg.Auditor,
		limiter:   cfg.Limiter,
		metrics:   m,
		tracker:   NewJobTracker(cfg.Policy),
		now:       now,
	}
}

// NewJobTracker instantiates the retry machine for OCR jobs: failures retry as
// failed and exhaust into canceled
func NewJobTracker(policy retry.Policy) retry.Tracker[*domain.Job, domain.Status] {
	return retry.Tracker[*domain.Job, domain.Status]{
		Machine: retry.Machine[domain.Status]{
			Policy:    policy,
			Retrying:  domain.JobStatusFailed,
			Exhausted: domain.JobStatusCanceled,
		},
		Key: func(j *domain.Job) string { return j.NaturalKey },
		Attempts: func(j *domain.Job) (int, int) {
			return j.AttemptCount, j.MaxAttempts
		},
	}
}

// Process runs the job and writes success or failure. The returned error is
// non-nil only when the outcome could not be recorded; the job then stays
// processing until its lease goes stale.
func (p *Processor) Process(ctx context.Context, job *domain.Job, workerID string) error {
	start := p.now()
	defer func() {
		p.metrics.JobDuration.Observe(p.now().Sub(start).Seconds())
	}()

	p.logger.Info("Processing OCR job",
		slog.String("job_id", job.ID),
		slog.String("natural_key", job.NaturalKey),
		slog.String("worker_id", workerID),
		slog.Int("attempt_count", job.AttemptCount),
	)

	result, execErr := p.executeSafely(ctx, job)
	if execErr == nil {
		if err := p.store.RecordSuccess(ctx, job, workerID, result); err != nil {
			return p.finalizeFailed(job, workerID, err)
		}

		p.metrics.JobsSucceeded.Inc()
		p.logger.Info("OCR job succeeded",
			slog.String("job_id", job.ID),
			slog.String("natural_key", job.NaturalKey),
			slog.String("provider", result.ProviderName),
		)
		return nil
	}

	if errors.Is(execErr, ocr.ErrStorageValidation) {
		p.record(ctx, audit.Event{
			Action:     audit.ActionStorageValidationFailed,
			EntityType: "ocr_job",
			EntityID:   job.NaturalKey,
			OwnerRef:   job.OwnerRef,
			Actor:      workerID,
			Detail:     validationDetail(execErr),
		})
	}

	_, outcome := p.tracker.Fail(job, execErr, p.now())
	if err := p.store.RecordFailure(ctx, job, workerID, outcome); err != nil {
		return p.finalizeFailed(job, workerID, err)
	}

	p.metrics.JobsFailed.WithLabelValues(strconv.FormatBool(outcome.Terminal)).Inc()

	if outcome.Terminal {
		p.logger.Warn("OCR job canceled after final attempt",
			slog.String("job_id", job.ID),
			slog.String("natural_key", job.NaturalKey),
			slog.Int("attempt_count", outcome.AttemptCount),
			slog.Any("error", execErr),
		)
		p.record(ctx, audit.Event{
			Action:     audit.ActionOCRJobCanceled,
			EntityType: "ocr_job",
			EntityID:   job.NaturalKey,
			OwnerRef:   job.OwnerRef,
			Actor:      workerID,
			Detail: map[string]any{
				"attempt_count": outcome.AttemptCount,
				"last_error":    outcome.LastError,
			},
		})
		return nil
	}

	p.logger.Warn("OCR job failed, will retry",
		slog.String("job_id", job.ID),
		slog.String("natural_key", job.NaturalKey),
		slog.Int("attempt_count", outcome.AttemptCount),
		slog.Time("next_attempt_at", *outcome.NextAttemptAt),
		slog.Any("error", execErr),
	)

	return nil
}

// executeSafely converts a panic in a collaborator into an execution error so
// it is counted against the job's attempts like any other failure
func (p *Processor) executeSafely(ctx context.Context, job *domain.Job) (result *domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic during extraction",
				slog.String("job_id", job.ID),
				slog.String("natural_key", job.NaturalKey),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("panic during extraction: %v", r)
		}
	}()

	return p.execute(ctx, job)
}

// execute resolves the active version, loads its bytes and extracts them
func (p *Processor) execute(ctx context.Context, job *domain.Job) (*domain.Result, error) {
	version, err := p.documents.ActiveVersion(ctx, job.NaturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document version: %w", err)
	}

	content, err := p.storage.GetBuffer(ctx, version.ContentRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load document content: %w", err)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to acquire provider slot: %w", err)
		}
	}

	extraction, err := p.provider.Extract(ctx, content, version.MimeType, version.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to extract document: %w", err)
	}

	return &domain.Result{
		NaturalKey:     job.NaturalKey,
		ProviderName:   extraction.ProviderName,
		Model:          extraction.Model,
		Text:           extraction.Text,
		StructuredJSON: extraction.StructuredJSON,
		Meta:           extraction.Meta,
	}, nil
}

func (p *Processor) finalizeFailed(job *domain.Job, workerID string, err error) error {
	if errors.Is(err, domain.ErrLeaseLost) {
		p.logger.Warn("Job lease lost, discarding outcome",
			slog.String("job_id", job.ID),
			slog.String("natural_key", job.NaturalKey),
			slog.String("worker_id", workerID),
		)
	} else {
		p.logger.Error("Failed to record job outcome",
			slog.String("job_id", job.ID),
			slog.String("natural_key", job.NaturalKey),
			slog.Any("error", err),
		)
	}
	return fmt.Errorf("failed to record outcome for job %s: %w", job.ID, err)
}

// record writes an audit event; audit failures never change the job outcome
func (p *Processor) record(ctx context.Context, event audit.Event) {
	if p.auditor == nil {
		return
	}
	if err := p.auditor.Record(ctx, event); err != nil {
		p.logger.Error("Failed to record audit event",
			slog.String("action", event.Action),
			slog.String("entity_id", event.EntityID),
			slog.Any("error", err),
		)
	}
}

func validationDetail(err error) map[string]any {
	detail := map[string]any{"error": err.Error()}

	var verr *ocr.ValidationError
	if errors.As(err, &verr) {
		detail["content_ref"] = verr.ContentRef
		detail["reason"] = verr.Reason
	}

	return detail
}
