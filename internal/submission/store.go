package submission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists one RetryState per submission id
type Store interface {
	Get(ctx context.Context, submissionID string) (*RetryState, error)

	// Upsert inserts or overwrites the state. A row that is already terminal
	// is never overwritten; ErrTerminal is returned instead.
	Upsert(ctx context.Context, state *RetryState) (*RetryState, error)

	// ListDue returns pending states whose next attempt is at or before now
	ListDue(ctx context.Context, now time.Time, limit int) ([]*RetryState, error)
}

const stateColumns = `submission_id, status, attempt_count, next_attempt_at, last_error,
	canceled_at, created_at, updated_at`

// PostgresStore is the PostgreSQL Store
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, submissionID string) (*RetryState, error) {
	query := `SELECT ` + stateColumns + ` FROM submission_retry_states WHERE submission_id = $1`

	var state RetryState
	if err := s.db.GetContext(ctx, &state, query, submissionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission retry state: %w", err)
	}

	return &state, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, state *RetryState) (*RetryState, error) {
	query := `
		INSERT INTO submission_retry_states (
			submission_id, status, attempt_count, next_attempt_at, last_error, canceled_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (submission_id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempt_count = EXCLUDED.attempt_count,
		    next_attempt_at = EXCLUDED.next_attempt_at,
		    last_error = EXCLUDED.last_error,
		    canceled_at = EXCLUDED.canceled_at,
		    updated_at = NOW()
		WHERE submission_retry_states.status NOT IN ($7, $8)
		RETURNING ` + stateColumns

	var out RetryState
	err := s.db.GetContext(ctx, &out, query,
		state.SubmissionID,
		state.Status,
		state.AttemptCount,
		state.NextAttemptAt,
		state.LastError,
		state.CanceledAt,
		StatusSucceeded,
		StatusCanceled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTerminal
		}
		return nil, fmt.Errorf("failed to upsert submission retry state: %w", err)
	}

	return &out, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*RetryState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM submission_retry_states
		WHERE status = $1 AND (next_attempt_at IS NULL OR next_attempt_at <= $2)
		ORDER BY next_attempt_at ASC NULLS FIRST, submission_id ASC
		LIMIT $3
	`

	var states []*RetryState
	if err := s.db.SelectContext(ctx, &states, query, StatusPending, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due submissions: %w", err)
	}

	return states, nil
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]*RetryState
	now    func() time.Time
}

// NewMemoryStore creates an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		states: make(map[string]*RetryState),
		now:    now,
	}
}

func (m *MemoryStore) Get(_ context.Context, submissionID string) (*RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[submissionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *state
	return &out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, state *RetryState) (*RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stored := *state
	stored.UpdatedAt = now
	if prev, ok := m.states[state.SubmissionID]; ok {
		if prev.Status.IsTerminal() {
			return nil, ErrTerminal
		}
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	m.states[state.SubmissionID] = &stored

	out := stored
	return &out, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*RetryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RetryState, 0)
	for _, state := range m.states {
		if state.Status == StatusPending && state.Due(now) {
			cp := *state
			out = append(out, &cp)
		}
	}

	slices.SortFunc(out, func(a, b *RetryState) int {
		switch {
		case a.NextAttemptAt == nil && b.NextAttemptAt != nil:
			return -1
		case a.NextAttemptAt != nil && b.NextAttemptAt == nil:
			return 1
		case a.NextAttemptAt != nil && b.NextAttemptAt != nil:
			if c := a.NextAttemptAt.Compare(*b.NextAttemptAt); c != 0 {
				return c
			}
		}
		return strings.Compare(a.SubmissionID, b.SubmissionID)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
