package domain

import (
	"encoding/json"
	"time"
)

// Job is one OCR unit of work, keyed by the document it extracts
type Job struct {
	ID            string     `db:"id"`
	NaturalKey    string     `db:"natural_key"`
	OwnerRef      string     `db:"owner_ref"`
	Status        Status     `db:"status"`
	AttemptCount  int        `db:"attempt_count"`
	MaxAttempts   int        `db:"max_attempts"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LockedAt      *time.Time `db:"locked_at"`
	LockedBy      *string    `db:"locked_by"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// IsLeased reports whether a worker currently holds the job
func (j *Job) IsLeased() bool {
	return j.LockedAt != nil && j.LockedBy != nil
}

// Result is the persisted outcome of a successful extraction
type Result struct {
	NaturalKey     string          `db:"natural_key"`
	ProviderName   string          `db:"provider_name"`
	Model          string          `db:"model"`
	Text           string          `db:"text"`
	StructuredJSON json.RawMessage `db:"-"`
	Meta           json.RawMessage `db:"-"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// JobFilter narrows a job listing
type JobFilter struct {
	OwnerRef string
	Status   Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position for paginating job listings
type JobCursor struct {
	CreatedAt time.Time
	ID        string
}

// JobMessage is the body of a document-uploaded event that requests OCR
type JobMessage struct {
	DocumentID    string `json:"document_id"`
	ApplicationID string `json:"application_id"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
}
