package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/cuongbtq/loan-backoffice/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// JobStore is the durable OCR work queue. All status, lease and attempt
// writes go through it.
type JobStore interface {
	// Enqueue creates the job for naturalKey or returns the existing one unchanged
	Enqueue(ctx context.Context, naturalKey, ownerRef string, maxAttempts int) (*domain.Job, error)

	// Claim leases up to limit eligible jobs to workerID, oldest first
	Claim(ctx context.Context, limit int, workerID string) ([]*domain.Job, error)

	// ClearExpiredLocks requeues processing jobs whose lease has expired
	ClearExpiredLocks(ctx context.Context) (int64, error)

	RecordSuccess(ctx context.Context, job *domain.Job, workerID string, result *domain.Result) error
	RecordFailure(ctx context.Context, job *domain.Job, workerID string, outcome retry.Outcome[domain.Status]) error

	Get(ctx context.Context, naturalKey string) (*domain.Job, error)
	GetResult(ctx context.Context, naturalKey string) (*domain.Result, error)
	Reset(ctx context.Context, naturalKey string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
}

const jobColumns = `id, natural_key, owner_ref, status, attempt_count, max_attempts,
	next_attempt_at, locked_at, locked_by, last_error, created_at, updated_at`

// Storage is the PostgreSQL JobStore
type Storage struct {
	db           *sqlx.DB
	leaseTimeout time.Duration
	logger       *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, leaseTimeout time.Duration, logger *slog.Logger) *Storage {
	return &Storage{
		db:           db,
		leaseTimeout: leaseTimeout,
		logger:       logger,
	}
}

// Enqueue inserts a queued job keyed by naturalKey. Concurrent callers for the
// same key all get the single surviving row.
func (s *Storage) Enqueue(ctx context.Context, naturalKey, ownerRef string, maxAttempts int) (*domain.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	query := `
		INSERT INTO ocr_jobs (natural_key, owner_ref, status, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, NOW(), NOW())
		ON CONFLICT (natural_key) DO NOTHING
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, naturalKey, ownerRef, domain.JobStatusQueued, maxAttempts)
	if err == nil {
		s.logger.Info("OCR job enqueued",
			slog.String("job_id", job.ID),
			slog.String("natural_key", naturalKey),
		)
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	// Conflict: the key already has a job
	existing, err := s.Get(ctx, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing job: %w", err)
	}

	return existing, nil
}

// Claim leases eligible jobs in one statement. SKIP LOCKED keeps concurrent
// claimers off each other's candidates; the outer predicate re-checks the
// lease so a row is only taken when it is still free or stale.
func (s *Storage) Claim(ctx context.Context, limit int, workerID string) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM ocr_jobs
			WHERE (status IN ($3, $4) AND (next_attempt_at IS NULL OR next_attempt_at <= NOW()))
			   OR (status = $5 AND locked_at <= NOW() - make_interval(secs => $6))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ocr_jobs j
		SET status = $5,
		    locked_at = NOW(),
		    locked_by = $2,
		    updated_at = NOW()
		FROM candidates c
		WHERE j.id = c.id
		  AND (j.locked_at IS NULL OR j.locked_at <= NOW() - make_interval(secs => $6))
		RETURNING j.id, j.natural_key, j.owner_ref, j.status, j.attempt_count, j.max_attempts,
		          j.next_attempt_at, j.locked_at, j.locked_by, j.last_error, j.created_at, j.updated_at
	`

	var jobs []*domain.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		limit,
		workerID,
		domain.JobStatusQueued,
		domain.JobStatusFailed,
		domain.JobStatusProcessing,
		s.leaseTimeout.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}

	// RETURNING does not preserve the CTE order
	slices.SortFunc(jobs, func(a, b *domain.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if len(jobs) > 0 {
		s.logger.Debug("Jobs claimed",
			slog.String("worker_id", workerID),
			slog.Int("count", len(jobs)),
		)
	}

	return jobs, nil
}

// ClearExpiredLocks returns abandoned processing jobs to the queue
func (s *Storage) ClearExpiredLocks(ctx context.Context) (int64, error) {
	query := `
		UPDATE ocr_jobs
		SET status = $1,
		    locked_at = NULL,
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE status = $2
		  AND locked_at <= NOW() - make_interval(secs => $3)
	`

	res, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, domain.JobStatusProcessing, s.leaseTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired locks: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return n, nil
}

// RecordSuccess marks the job succeeded and upserts its result atomically
func (s *Storage) RecordSuccess(ctx context.Context, job *domain.Job, workerID string, result *domain.Result) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		update := `
			UPDATE ocr_jobs
			SET status = $1,
			    next_attempt_at = NULL,
			    locked_at = NULL,
			    locked_by = NULL,
			    last_error = NULL,
			    updated_at = NOW()
			WHERE id = $2 AND status = $3 AND locked_by = $4
		`

		res, err := tx.ExecContext(ctx, update, domain.JobStatusSucceeded, job.ID, domain.JobStatusProcessing, workerID)
		if err != nil {
			return fmt.Errorf("failed to mark job succeeded: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			return err
		}

		upsert := `
			INSERT INTO ocr_results (natural_key, provider_name, model, text, structured_json, meta, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, NOW(), NOW())
			ON CONFLICT (natural_key) DO UPDATE
			SET provider_name = EXCLUDED.provider_name,
			    model = EXCLUDED.model,
			    text = EXCLUDED.text,
			    structured_json = EXCLUDED.structured_json,
			    meta = EXCLUDED.meta,
			    updated_at = NOW()
		`

		_, err = tx.ExecContext(ctx, upsert,
			job.NaturalKey,
			result.ProviderName,
			result.Model,
			result.Text,
			jsonParam(result.StructuredJSON),
			jsonParam(result.Meta),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert result: %w", err)
		}

		return nil
	})
}

// RecordFailure applies a retry outcome to a job still leased by workerID
func (s *Storage) RecordFailure(ctx context.Context, job *domain.Job, workerID string, outcome retry.Outcome[domain.Status]) error {
	query := `
		UPDATE ocr_jobs
		SET status = $1,
		    attempt_count = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    locked_at = NULL,
		    locked_by = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6 AND locked_by = $7
	`

	res, err := s.db.ExecContext(ctx, query,
		outcome.Status,
		outcome.AttemptCount,
		outcome.NextAttemptAt,
		outcome.LastError,
		job.ID,
		domain.JobStatusProcessing,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}

	return requireOneRow(res)
}

// Get retrieves a job by natural key
func (s *Storage) Get(ctx context.Context, naturalKey string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ocr_jobs WHERE natural_key = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, naturalKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type resultRow struct {
	domain.Result
	StructuredJSON []byte `db:"structured_json"`
	Meta           []byte `db:"meta"`
}

// GetResult retrieves the stored extraction for a natural key
func (s *Storage) GetResult(ctx context.Context, naturalKey string) (*domain.Result, error) {
	query := `
		SELECT natural_key, provider_name, model, text, structured_json, meta, created_at, updated_at
		FROM ocr_results
		WHERE natural_key = $1
	`

	var row resultRow
	if err := s.db.GetContext(ctx, &row, query, naturalKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	result := row.Result
	result.StructuredJSON = row.StructuredJSON
	result.Meta = row.Meta

	return &result, nil
}

// Reset requeues a job with a fresh attempt budget. Leased jobs are refused.
func (s *Storage) Reset(ctx context.Context, naturalKey string) (*domain.Job, error) {
	query := `
		UPDATE ocr_jobs
		SET status = $1,
		    attempt_count = 0,
		    next_attempt_at = NULL,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE natural_key = $2 AND status <> $3
		RETURNING ` + jobColumns

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusQueued, naturalKey, domain.JobStatusProcessing)
	if err == nil {
		s.logger.Info("OCR job reset",
			slog.String("job_id", job.ID),
			slog.String("natural_key", naturalKey),
		)
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to reset job: %w", err)
	}

	// Either missing or processing
	if _, err := s.Get(ctx, naturalKey); err != nil {
		return nil, err
	}

	return nil, domain.ErrJobInFlight
}

// List returns jobs newest first, PageSize+1 rows so callers can detect a next page
func (s *Storage) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.Select(jobColumns).
		From("ocr_jobs").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(filter.PageSize + 1))

	if filter.OwnerRef != "" {
		sb = sb.Where(sq.Eq{"owner_ref": filter.OwnerRef})
	}
	if filter.Status != "" {
		sb = sb.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Cursor != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}

	var jobs []*domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// jsonParam passes JSON to lib/pq as text; nil becomes SQL NULL
func jsonParam(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
