package domain

// Status is the lifecycle state of an OCR job
type Status string

// Job status constants
const (
	JobStatusQueued     Status = "queued"
	JobStatusProcessing Status = "processing"
	JobStatusSucceeded  Status = "succeeded"
	JobStatusFailed     Status = "failed"
	JobStatusCanceled   Status = "canceled"
)

// DefaultMaxAttempts is used when an enqueue request does not specify a ceiling
const DefaultMaxAttempts = 3

// IsTerminal reports whether no further automatic processing happens in s
func (s Status) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusCanceled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}
