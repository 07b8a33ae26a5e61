// Package retry implements the bounded exponential-backoff state machine shared
// by every retryable unit of work in the back office (OCR jobs, lender
// submissions). Callers instantiate Machine with their own status type.
package retry

import "time"

// Outcome is the state a unit of work moves to after a failed attempt
type Outcome[S ~string] struct {
	Status        S
	AttemptCount  int
	NextAttemptAt *time.Time
	LastError     string
	Terminal      bool
}

// Machine maps failures onto a caller-defined status vocabulary
type Machine[S ~string] struct {
	Policy Policy

	// Retrying is the status of a unit that will be attempted again
	Retrying S

	// Exhausted is the terminal status once the attempt ceiling is reached
	Exhausted S
}

// OnFailure computes the next state after a failure. attemptCount is the count
// before this failure. maxAttempts <= 0 falls back to the policy ceiling.
func (m Machine[S]) OnFailure(attemptCount, maxAttempts int, errMsg string, now time.Time) Outcome[S] {
	if maxAttempts <= 0 {
		maxAttempts = m.Policy.MaxAttempts
	}

	next := attemptCount + 1
	if next >= maxAttempts {
		return Outcome[S]{
			Status:       m.Exhausted,
			AttemptCount: next,
			LastError:    errMsg,
			Terminal:     true,
		}
	}

	at := now.Add(m.Policy.Delay(attemptCount))
	return Outcome[S]{
		Status:        m.Retrying,
		AttemptCount:  next,
		NextAttemptAt: &at,
		LastError:     errMsg,
	}
}

// Tracker applies a Machine to entities of type T, reading the natural key and
// attempt counters through accessors so one implementation serves every entity.
type Tracker[T any, S ~string] struct {
	Machine  Machine[S]
	Key      func(T) string
	Attempts func(T) (count, limit int)
}

// Fail returns the entity's natural key and its post-failure outcome
func (t Tracker[T, S]) Fail(entity T, cause error, now time.Time) (string, Outcome[S]) {
	count, limit := t.Attempts(entity)

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return t.Key(entity), t.Machine.OnFailure(count, limit, msg, now)
}
