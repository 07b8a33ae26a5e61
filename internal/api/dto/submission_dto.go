package dto

type RetrySubmissionRequest struct {
	Force bool `json:"force"`
}

type CancelSubmissionRequest struct {
	Actor string `json:"actor"`
}

type ListDueRequest struct {
	Limit int `form:"limit"`
}

type RetryStateDTO struct {
	SubmissionID  string  `json:"submission_id"`
	Status        string  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	NextAttemptAt *string `json:"next_attempt_at"`
	LastError     *string `json:"last_error"`
	CanceledAt    *string `json:"canceled_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type ListDueResponse struct {
	Submissions []RetryStateDTO `json:"submissions"`
}
