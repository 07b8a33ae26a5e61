// Package submission tracks manual retries of lender submissions. It shares
// the retry state machine with OCR jobs but has no lease: retries are driven
// by an operator or a scheduler, never by a polling worker.
package submission

import (
	"errors"
	"time"
)

// Status is the retry state of a lender submission
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further retries are allowed in s
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

var (
	// ErrNotFound is returned when a submission has no retry state
	ErrNotFound = errors.New("submission retry state not found")

	// ErrTerminal is returned when retrying or canceling a finished submission
	ErrTerminal = errors.New("submission retry state is terminal")

	// ErrNotDue is returned when an unforced retry arrives before next_attempt_at
	ErrNotDue = errors.New("submission retry is not due yet")
)

// RetryState is the persisted retry bookkeeping of one submission
type RetryState struct {
	SubmissionID  string     `db:"submission_id"`
	Status        Status     `db:"status"`
	AttemptCount  int        `db:"attempt_count"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LastError     *string    `db:"last_error"`
	CanceledAt    *time.Time `db:"canceled_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// Due reports whether an unforced retry may run at now
func (s *RetryState) Due(now time.Time) bool {
	return s.NextAttemptAt == nil || !s.NextAttemptAt.After(now)
}
