//go:build integration

package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/ocr"
	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/testutil"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T, leaseTimeout time.Duration) (*Storage, *sqlx.DB) {
	db := testutil.NewTestDB(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorage(db, leaseTimeout, logger), db
}

func TestStorage_EnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _ := newPostgresStore(t, 10*time.Minute)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := store.Enqueue(ctx, "doc-A", "app-1", 3)
			if assert.NoError(t, err) {
				ids[i] = job.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	jobs, err := store.List(ctx, domain.JobFilter{PageSize: 10})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusQueued, jobs[0].Status)
}

func TestStorage_DocAScenario(t *testing.T) {
	ctx := context.Background()
	store, _ := newPostgresStore(t, 10*time.Minute)

	_, err := store.Enqueue(ctx, "doc-A", "app-1", 3)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, "doc-A", "app-1", 3)
	require.NoError(t, err)

	w1, err := store.Claim(ctx, 5, "w1")
	require.NoError(t, err)
	require.Len(t, w1, 1)
	assert.Equal(t, domain.JobStatusProcessing, w1[0].Status)
	assert.Equal(t, "w1", *w1[0].LockedBy)

	w2, err := store.Claim(ctx, 5, "w2")
	require.NoError(t, err)
	assert.Empty(t, w2)
}

func TestStorage_LeaseExclusivity(t *testing.T) {
	ctx := context.Background()
	store, _ := newPostgresStore(t, 10*time.Minute)

	for i := 0; i < 40; i++ {
		_, err := store.Enqueue(ctx, fmt.Sprintf("doc-%d", i), "app-1", 3)
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		owner = make(map[string]string)
		wg    sync.WaitGroup
	)
	for _, workerID := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				jobs, err := store.Claim(ctx, 4, workerID)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					if prev, ok := owner[job.NaturalKey]; ok {
						t.Errorf("job %s claimed by %s and %s", job.NaturalKey, prev, workerID)
					}
					owner[job.NaturalKey] = workerID
				}
				mu.Unlock()
			}
		}(workerID)
	}
	wg.Wait()

	assert.Len(t, owner, 40)
}

func TestStorage_StaleLeaseReclaim(t *testing.T) {
	ctx := context.Background()
	store, db := newPostgresStore(t, time.Minute)

	_, err := store.Enqueue(ctx, "doc-A", "app-1", 3)
	require.NoError(t, err)
	first, err := store.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Age the lease past the timeout
	_, err = db.ExecContext(ctx, `UPDATE ocr_jobs SET locked_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)

	second, err := store.Claim(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "w2", *second[0].LockedBy)

	err = store.RecordFailure(ctx, first[0], "w1", retry.Outcome[domain.Status]{
		Status:       domain.JobStatusFailed,
		AttemptCount: 1,
		LastError:    "late",
	})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestStorage_StaleSuccessAfterReclaim(t *testing.T) {
	ctx := context.Background()
	store, db := newPostgresStore(t, time.Minute)

	_, err := store.Enqueue(ctx, "doc-A", "app-1", 3)
	require.NoError(t, err)
	first, err := store.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = db.ExecContext(ctx, `UPDATE ocr_jobs SET locked_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)

	second, err := store.Claim(ctx, 1, "w2")
	require.NoError(t, err)
	require.Len(t, second, 1)

	// The old owner's success must not land in either table
	err = store.RecordSuccess(ctx, first[0], "w1", &domain.Result{Text: "stale"})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	_, err = store.GetResult(ctx, "doc-A")
	assert.ErrorIs(t, err, domain.ErrResultNotFound)

	job, err := store.Get(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.Equal(t, "w2", *job.LockedBy)

	// The new owner's failure is still accepted and counted
	require.NoError(t, store.RecordFailure(ctx, second[0], "w2", retry.Outcome[domain.Status]{
		Status:       domain.JobStatusCanceled,
		AttemptCount: 3,
		LastError:    "panic during extraction: provider exploded",
	}))

	job, err = store.Get(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCanceled, job.Status)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Nil(t, job.LockedBy)
}

func TestStorage_ClearExpiredLocks(t *testing.T) {
	ctx := context.Background()
	store, db := newPostgresStore(t, time.Minute)

	_, err := store.Enqueue(ctx, "doc-A", "app-1", 3)
	require.NoError(t, err)
	_, err = store.Claim(ctx, 1, "w1")
	require.NoError(t, err)

	n, err := store.ClearExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = db.ExecContext(ctx, `UPDATE ocr_jobs SET locked_at = NOW() - INTERVAL '2 minutes'`)
	require.NoError(t, err)

	n, err = store.ClearExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := store.Get(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Nil(t, job.LockedBy)
}

func TestStorage_RecordSuccessAndFailure(t *testing.T) {
	ctx := context.Background()
	store, _ := newPostgresStore(t, 10*time.Minute)

	_, err := store.Enqueue(ctx, "doc-A", "app-1", 2)
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	next := time.Now().Add(-time.Second)
	require.NoError(t, store.RecordFailure(ctx, claimed[0], "w1", retry.Outcome[domain.Status]{
		Status:        domain.JobStatusFailed,
		AttemptCount:  1,
		NextAttemptAt: &next,
		LastError:     "provider unavailable",
	}))

	job, err := store.Get(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "provider unavailable", *job.LastError)
	assert.Nil(t, job.LockedAt)

	claimed, err = store.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = store.RecordSuccess(ctx, claimed[0], "w1", &domain.Result{
		ProviderName:   "acme",
		Model:          "ocr-1",
		Text:           "hello",
		StructuredJSON: []byte(`{"total": 12}`),
	})
	require.NoError(t, err)

	job, err = store.Get(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Nil(t, job.NextAttemptAt)
	assert.Nil(t, job.LastError)

	result, err := store.GetResult(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, "acme", result.ProviderName)
	assert.JSONEq(t, `{"total": 12}`, string(result.StructuredJSON))
	assert.Nil(t, result.Meta)

	// A fenced-off success leaves no partial writes
	_, err = store.Reset(ctx, "doc-A")
	require.NoError(t, err)
	err = store.RecordSuccess(ctx, claimed[0], "w1", &domain.Result{Text: "stale"})
	assert.ErrorIs(t, err, domain.ErrLeaseLost)

	result, err = store.GetResult(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)
}

func TestStorage_Reset(t *testing.T) {
	ctx := context.Background()
	store, _ := newPostgresStore(t, 10*time.Minute)

	_, err := store.Reset(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = store.Enqueue(ctx, "doc-A", "app-1", 1)
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = store.Reset(ctx, "doc-A")
	assert.ErrorIs(t, err, domain.ErrJobInFlight)

	require.NoError(t, store.RecordFailure(ctx, claimed[0], "w1", retry.Outcome[domain.Status]{
		Status:       domain.JobStatusCanceled,
		AttemptCount: 1,
		LastError:    "boom",
		Terminal:     true,
	}))

	job, err := store.Reset(ctx, "doc-A")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestDocuments_ActiveVersion(t *testing.T) {
	ctx := context.Background()
	_, db := newPostgresStore(t, time.Minute)
	docs := NewDocuments(db)

	var docID, versionID string
	require.NoError(t, db.GetContext(ctx, &docID,
		`INSERT INTO documents (application_id) VALUES ('app-1') RETURNING id`))

	_, err := docs.ActiveVersion(ctx, docID)
	assert.ErrorIs(t, err, ocr.ErrDocumentNotFound)

	require.NoError(t, db.GetContext(ctx, &versionID,
		`INSERT INTO document_versions (document_id, content_ref, mime_type, file_name)
		 VALUES ($1, 'https://blobs.example.com/a.pdf', 'application/pdf', 'a.pdf') RETURNING id`, docID))
	_, err = db.ExecContext(ctx, `UPDATE documents SET active_version_id = $1 WHERE id = $2`, versionID, docID)
	require.NoError(t, err)

	v, err := docs.ActiveVersion(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, versionID, v.VersionID)
	assert.Equal(t, "application/pdf", v.MimeType)
	assert.Equal(t, "a.pdf", v.FileName)
}
