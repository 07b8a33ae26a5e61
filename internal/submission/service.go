package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/audit"
	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/retry"
)

// ServiceConfig holds the service collaborators
type ServiceConfig struct {
	Logger      *slog.Logger
	Store       Store
	Transmitter Transmitter
	Auditor     audit.Logger
	Policy      retry.Policy
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Service runs manual submission retries
type Service struct {
	logger      *slog.Logger
	store       Store
	transmitter Transmitter
	auditor     audit.Logger
	metrics     *metrics.Metrics
	tracker     retry.Tracker[*RetryState, Status]
	now         func() time.Time
}

// NewService creates a new service instance
func NewService(cfg *ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	return &Service{
		logger:      cfg.Logger,
		store:       cfg.Store,
		transmitter: cfg.Transmitter,
		auditor:     cfg.Auditor,
		metrics:     m,
		tracker: retry.Tracker[*RetryState, Status]{
			Machine: retry.Machine[Status]{
				Policy:    cfg.Policy,
				Retrying:  StatusPending,
				Exhausted: StatusCanceled,
			},
			Key: func(s *RetryState) string { return s.SubmissionID },
			// The ceiling is global for submissions
			Attempts: func(s *RetryState) (int, int) { return s.AttemptCount, 0 },
		},
		now: now,
	}
}

// Get returns the retry state of a submission
func (s *Service) Get(ctx context.Context, submissionID string) (*RetryState, error) {
	return s.store.Get(ctx, submissionID)
}

// Retry re-transmits a submission and stores the result. A transmit failure
// is recorded in the returned state, not returned as an error. Unless force is
// set, a submission still inside its backoff window is refused with ErrNotDue.
func (s *Service) Retry(ctx context.Context, submissionID string, force bool) (*RetryState, error) {
	state, err := s.store.Get(ctx, submissionID)
	if errors.Is(err, ErrNotFound) {
		state = &RetryState{SubmissionID: submissionID, Status: StatusPending}
	} else if err != nil {
		return nil, err
	}

	if state.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, state.Status)
	}

	now := s.now()
	if !force && !state.Due(now) {
		return nil, ErrNotDue
	}

	transmitErr := s.transmitter.Transmit(ctx, submissionID)
	if transmitErr == nil {
		state.Status = StatusSucceeded
		state.NextAttemptAt = nil
		state.LastError = nil

		saved, err := s.saveRetry(ctx, state)
		if err != nil {
			return nil, err
		}

		s.metrics.SubmissionAttempts.WithLabelValues(string(StatusSucceeded)).Inc()
		s.logger.Info("Submission retransmitted",
			slog.String("submission_id", submissionID),
			slog.Int("attempt_count", saved.AttemptCount),
		)
		return saved, nil
	}

	_, outcome := s.tracker.Fail(state, transmitErr, now)
	state.Status = outcome.Status
	state.AttemptCount = outcome.AttemptCount
	state.NextAttemptAt = outcome.NextAttemptAt
	state.LastError = &outcome.LastError
	if outcome.Terminal {
		state.CanceledAt = &now
	}

	saved, err := s.saveRetry(ctx, state)
	if err != nil {
		return nil, err
	}

	s.metrics.SubmissionAttempts.WithLabelValues(string(saved.Status)).Inc()

	if outcome.Terminal {
		s.logger.Warn("Submission retries exhausted",
			slog.String("submission_id", submissionID),
			slog.Int("attempt_count", saved.AttemptCount),
			slog.Any("error", transmitErr),
		)
		s.record(ctx, submissionID, "system", map[string]any{
			"reason":        "retry_budget_exhausted",
			"attempt_count": saved.AttemptCount,
			"last_error":    outcome.LastError,
		})
	} else {
		s.logger.Warn("Submission retransmit failed",
			slog.String("submission_id", submissionID),
			slog.Int("attempt_count", saved.AttemptCount),
			slog.Any("error", transmitErr),
		)
	}

	return saved, nil
}

// Cancel makes the submission terminal regardless of its remaining budget.
// Canceling twice returns the existing state.
func (s *Service) Cancel(ctx context.Context, submissionID, actor string) (*RetryState, error) {
	state, err := s.store.Get(ctx, submissionID)
	if errors.Is(err, ErrNotFound) {
		state = &RetryState{SubmissionID: submissionID}
	} else if err != nil {
		return nil, err
	}

	switch state.Status {
	case StatusCanceled:
		return state, nil
	case StatusSucceeded:
		return nil, fmt.Errorf("%w: %s", ErrTerminal, state.Status)
	}

	now := s.now()
	state.Status = StatusCanceled
	state.NextAttemptAt = nil
	state.CanceledAt = &now

	saved, err := s.store.Upsert(ctx, state)
	if errors.Is(err, ErrTerminal) {
		// A concurrent retry or cancel finished first
		current, getErr := s.store.Get(ctx, submissionID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == StatusCanceled {
			return current, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTerminal, current.Status)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Submission retries canceled",
		slog.String("submission_id", submissionID),
		slog.String("actor", actor),
	)
	s.record(ctx, submissionID, actor, map[string]any{
		"reason":        "manual",
		"attempt_count": saved.AttemptCount,
	})

	return saved, nil
}

// saveRetry stores the outcome of a transmit. The transmit already happened,
// so a row that went terminal meanwhile (usually a cancel) is reported, not
// overwritten.
func (s *Service) saveRetry(ctx context.Context, state *RetryState) (*RetryState, error) {
	saved, err := s.store.Upsert(ctx, state)
	if errors.Is(err, ErrTerminal) {
		s.logger.Warn("Submission became terminal during retry, outcome discarded",
			slog.String("submission_id", state.SubmissionID),
			slog.String("outcome", string(state.Status)),
		)
		return nil, fmt.Errorf("%w: changed during retry", ErrTerminal)
	}
	return saved, err
}

// ListDue returns pending submissions whose backoff has elapsed
func (s *Service) ListDue(ctx context.Context, limit int) ([]*RetryState, error) {
	return s.store.ListDue(ctx, s.now(), limit)
}

func (s *Service) record(ctx context.Context, submissionID, actor string, detail map[string]any) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.Record(ctx, audit.Event{
		Action:     audit.ActionSubmissionCanceled,
		EntityType: "submission",
		EntityID:   submissionID,
		Actor:      actor,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Error("Failed to record audit event",
			slog.String("submission_id", submissionID),
			slog.Any("error", err),
		)
	}
}
