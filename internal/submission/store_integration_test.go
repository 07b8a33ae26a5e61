//go:build integration

package submission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_UpsertAndListDue(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.NewTestDB(t))

	_, err := store.Get(ctx, "sub-1")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	msg := "lender timeout"

	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-1", Status: StatusPending, AttemptCount: 1, NextAttemptAt: &past, LastError: &msg})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-2", Status: StatusPending, AttemptCount: 1, NextAttemptAt: &future, LastError: &msg})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-3", Status: StatusCanceled, AttemptCount: 3, CanceledAt: &now})
	require.NoError(t, err)

	due, err := store.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sub-1", due[0].SubmissionID)

	updated, err := store.Upsert(ctx, &RetryState{SubmissionID: "sub-1", Status: StatusSucceeded, AttemptCount: 1})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, updated.Status)
	assert.Nil(t, updated.NextAttemptAt)
	assert.Nil(t, updated.LastError)

	got, err := store.Get(ctx, "sub-3")
	require.NoError(t, err)
	require.NotNil(t, got.CanceledAt)
	assert.True(t, now.Equal(*got.CanceledAt))
}

func TestPostgresStore_UpsertKeepsTerminalRows(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testutil.NewTestDB(t))
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.Upsert(ctx, &RetryState{SubmissionID: "sub-done", Status: StatusSucceeded, AttemptCount: 1})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-off", Status: StatusCanceled, CanceledAt: &now})
	require.NoError(t, err)

	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-done", Status: StatusCanceled, CanceledAt: &now})
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = store.Upsert(ctx, &RetryState{SubmissionID: "sub-off", Status: StatusSucceeded})
	assert.ErrorIs(t, err, ErrTerminal)

	done, err := store.Get(ctx, "sub-done")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Nil(t, done.CanceledAt)

	off, err := store.Get(ctx, "sub-off")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, off.Status)
	assert.NotNil(t, off.CanceledAt)
}

func TestPostgresStore_CancelDuringRetryWins(t *testing.T) {
	ctx := context.Background()
	svc := NewService(&ServiceConfig{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:       NewPostgresStore(testutil.NewTestDB(t)),
		Transmitter: &fakeTransmitter{errs: []error{errors.New("lender timeout")}},
		Policy:      retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 3},
	})

	_, err := svc.Retry(ctx, "sub-1", false)
	require.NoError(t, err)

	blocking := &blockingTransmitter{entered: make(chan struct{}), release: make(chan struct{})}
	svc.transmitter = blocking

	retryErr := make(chan error, 1)
	go func() {
		_, err := svc.Retry(ctx, "sub-1", true)
		retryErr <- err
	}()

	<-blocking.entered
	_, err = svc.Cancel(ctx, "sub-1", "ops")
	require.NoError(t, err)

	close(blocking.release)
	assert.ErrorIs(t, <-retryErr, ErrTerminal)

	state, err := svc.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, state.Status)
	assert.NotNil(t, state.CanceledAt)
}
