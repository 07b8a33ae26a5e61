package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrResultNotFound is returned when no extraction result exists for a key
	ErrResultNotFound = errors.New("result not found")

	// ErrLeaseLost is returned when an outcome write finds the job no longer
	// leased by the writing worker
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidPayload is returned when an enqueue message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrJobInFlight is returned when a manual reset targets a leased job
	ErrJobInFlight = errors.New("job is currently processing")
)
