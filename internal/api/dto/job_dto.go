package dto

import "encoding/json"

type CreateJobRequest struct {
	NaturalKey  string `json:"natural_key" binding:"required"`
	OwnerRef    string `json:"owner_ref"`
	MaxAttempts int    `json:"max_attempts" binding:"gte=0"`
}

type ListJobsRequest struct {
	OwnerRef string `form:"owner_ref"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID            string  `json:"id"`
	NaturalKey    string  `json:"natural_key"`
	OwnerRef      string  `json:"owner_ref"`
	Status        string  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	MaxAttempts   int     `json:"max_attempts"`
	NextAttemptAt *string `json:"next_attempt_at"`
	LockedAt      *string `json:"locked_at"`
	LockedBy      *string `json:"locked_by"`
	LastError     *string `json:"last_error"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type ResultDTO struct {
	NaturalKey     string          `json:"natural_key"`
	ProviderName   string          `json:"provider_name"`
	Model          string          `json:"model"`
	Text           string          `json:"text"`
	StructuredJSON json.RawMessage `json:"structured_json"`
	Meta           json.RawMessage `json:"meta"`
	UpdatedAt      string          `json:"updated_at"`
}
