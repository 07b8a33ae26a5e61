package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/google/uuid"
)

// MemoryStorage is a process-local JobStore for tests and single-node runs.
// It has no multi-row atomic claim, so Claim snapshots candidates and then
// compare-and-sets each one, keeping only the rows it actually took.
type MemoryStorage struct {
	mu           sync.Mutex
	jobs         map[string]*domain.Job
	results      map[string]*domain.Result
	leaseTimeout time.Duration
	now          func() time.Time

	// beforeCAS runs between snapshot and compare-and-set; tests use it to
	// interleave claimers
	beforeCAS func()
}

// NewMemoryStorage creates an empty store. A nil now uses time.Now.
func NewMemoryStorage(leaseTimeout time.Duration, now func() time.Time) *MemoryStorage {
	if now == nil {
		now = time.Now
	}
	return &MemoryStorage{
		jobs:         make(map[string]*domain.Job),
		results:      make(map[string]*domain.Result),
		leaseTimeout: leaseTimeout,
		now:          now,
	}
}

// Enqueue creates a queued job for naturalKey or returns the existing one
func (m *MemoryStorage) Enqueue(_ context.Context, naturalKey, ownerRef string, maxAttempts int) (*domain.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[naturalKey]; ok {
		return clone(existing), nil
	}

	now := m.now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		NaturalKey:  naturalKey,
		OwnerRef:    ownerRef,
		Status:      domain.JobStatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[naturalKey] = job

	return clone(job), nil
}

// Claim leases up to limit due jobs to workerID, oldest first
func (m *MemoryStorage) Claim(_ context.Context, limit int, workerID string) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates := m.snapshot(limit)

	if m.beforeCAS != nil {
		m.beforeCAS()
	}

	claimed := make([]*domain.Job, 0, len(candidates))
	for _, c := range candidates {
		if job, ok := m.compareAndLease(c, workerID); ok {
			claimed = append(claimed, job)
		}
	}

	return claimed, nil
}

// snapshot returns the natural keys and lease markers of eligible jobs
func (m *MemoryStorage) snapshot(limit int) []candidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	eligible := make([]*domain.Job, 0)
	for _, job := range m.jobs {
		if m.eligible(job, now) {
			eligible = append(eligible, job)
		}
	}

	slices.SortFunc(eligible, func(a, b *domain.Job) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]candidate, len(eligible))
	for i, job := range eligible {
		out[i] = candidate{naturalKey: job.NaturalKey, lockedAt: job.LockedAt}
	}
	return out
}

type candidate struct {
	naturalKey string
	lockedAt   *time.Time
}

// compareAndLease takes the job only if its lease is unchanged since the
// snapshot and still free or stale
func (m *MemoryStorage) compareAndLease(c candidate, workerID string) (*domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[c.naturalKey]
	if !ok || !sameTime(job.LockedAt, c.lockedAt) {
		return nil, false
	}

	now := m.now()
	if !m.eligible(job, now) {
		return nil, false
	}

	owner := workerID
	job.Status = domain.JobStatusProcessing
	job.LockedAt = &now
	job.LockedBy = &owner
	job.UpdatedAt = now

	return clone(job), true
}

func (m *MemoryStorage) eligible(job *domain.Job, now time.Time) bool {
	switch job.Status {
	case domain.JobStatusQueued, domain.JobStatusFailed:
		return job.NextAttemptAt == nil || !job.NextAttemptAt.After(now)
	case domain.JobStatusProcessing:
		return m.stale(job, now)
	}
	return false
}

func (m *MemoryStorage) stale(job *domain.Job, now time.Time) bool {
	return job.LockedAt != nil && !job.LockedAt.After(now.Add(-m.leaseTimeout))
}

// ClearExpiredLocks requeues processing jobs whose lease has gone stale
func (m *MemoryStorage) ClearExpiredLocks(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for _, job := range m.jobs {
		if job.Status == domain.JobStatusProcessing && m.stale(job, now) {
			job.Status = domain.JobStatusQueued
			job.LockedAt = nil
			job.LockedBy = nil
			job.UpdatedAt = now
			n++
		}
	}

	return n, nil
}

// RecordSuccess stores the result and marks the job succeeded if workerID
// still holds the lease
func (m *MemoryStorage) RecordSuccess(_ context.Context, job *domain.Job, workerID string, result *domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.leasedBy(job.NaturalKey, workerID)
	if err != nil {
		return err
	}

	now := m.now()
	current.Status = domain.JobStatusSucceeded
	current.NextAttemptAt = nil
	current.LockedAt = nil
	current.LockedBy = nil
	current.LastError = nil
	current.UpdatedAt = now

	stored := *result
	stored.NaturalKey = job.NaturalKey
	stored.UpdatedAt = now
	if prev, ok := m.results[job.NaturalKey]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	m.results[job.NaturalKey] = &stored

	return nil
}

// RecordFailure applies a retry outcome if workerID still holds the lease
func (m *MemoryStorage) RecordFailure(_ context.Context, job *domain.Job, workerID string, outcome retry.Outcome[domain.Status]) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.leasedBy(job.NaturalKey, workerID)
	if err != nil {
		return err
	}

	lastErr := outcome.LastError
	current.Status = outcome.Status
	current.AttemptCount = outcome.AttemptCount
	current.NextAttemptAt = outcome.NextAttemptAt
	current.LastError = &lastErr
	current.LockedAt = nil
	current.LockedBy = nil
	current.UpdatedAt = m.now()

	return nil
}

func (m *MemoryStorage) leasedBy(naturalKey, workerID string) (*domain.Job, error) {
	current, ok := m.jobs[naturalKey]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if current.Status != domain.JobStatusProcessing || current.LockedBy == nil || *current.LockedBy != workerID {
		return nil, domain.ErrLeaseLost
	}
	return current, nil
}

// Get returns the job for naturalKey
func (m *MemoryStorage) Get(_ context.Context, naturalKey string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[naturalKey]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return clone(job), nil
}

// GetResult returns the extraction result for naturalKey
func (m *MemoryStorage) GetResult(_ context.Context, naturalKey string) (*domain.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.results[naturalKey]
	if !ok {
		return nil, domain.ErrResultNotFound
	}
	out := *result
	return &out, nil
}

// Reset requeues a job that is not in flight with a fresh attempt budget
func (m *MemoryStorage) Reset(_ context.Context, naturalKey string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[naturalKey]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status == domain.JobStatusProcessing {
		return nil, domain.ErrJobInFlight
	}

	job.Status = domain.JobStatusQueued
	job.AttemptCount = 0
	job.NextAttemptAt = nil
	job.LastError = nil
	job.UpdatedAt = m.now()

	return clone(job), nil
}

// List returns jobs newest first, filtered and paged by filter
func (m *MemoryStorage) List(_ context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Job, 0)
	for _, job := range m.jobs {
		if filter.OwnerRef != "" && job.OwnerRef != filter.OwnerRef {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil && !before(job, filter.Cursor) {
			continue
		}
		out = append(out, clone(job))
	}

	slices.SortFunc(out, func(a, b *domain.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	if filter.PageSize >= 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}

	return out, nil
}

// before reports whether job sorts after the cursor in newest-first order
func before(job *domain.Job, cursor *domain.JobCursor) bool {
	if c := job.CreatedAt.Compare(cursor.CreatedAt); c != 0 {
		return c < 0
	}
	return job.ID < cursor.ID
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func clone(job *domain.Job) *domain.Job {
	out := *job
	if job.NextAttemptAt != nil {
		t := *job.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if job.LockedAt != nil {
		t := *job.LockedAt
		out.LockedAt = &t
	}
	if job.LockedBy != nil {
		s := *job.LockedBy
		out.LockedBy = &s
	}
	if job.LastError != nil {
		s := *job.LastError
		out.LastError = &s
	}
	return &out
}
