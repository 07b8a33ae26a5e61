// Package ocr defines the capabilities the OCR execution harness consumes:
// document version lookup, blob download and the extraction provider.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrStorageValidation marks content references the storage layer refuses to
// fetch (disallowed scheme or host)
var ErrStorageValidation = errors.New("storage validation failed")

// ErrDocumentNotFound is returned when a document has no active version
var ErrDocumentNotFound = errors.New("document has no active version")

// DocumentVersion is the active, extractable revision of a document
type DocumentVersion struct {
	DocumentID string
	VersionID  string
	ContentRef string
	MimeType   string
	FileName   string
}

// Documents resolves the version of a document that should be extracted
type Documents interface {
	ActiveVersion(ctx context.Context, documentID string) (*DocumentVersion, error)
}

// Storage loads document content
type Storage interface {
	GetBuffer(ctx context.Context, contentRef string) ([]byte, error)
}

// Extraction is what a provider returns for one document
type Extraction struct {
	Text           string          `json:"text"`
	StructuredJSON json.RawMessage `json:"structured_json"`
	Model          string          `json:"model"`
	ProviderName   string          `json:"provider_name"`
	Meta           json.RawMessage `json:"meta"`
}

// Provider performs the actual extraction. Any error is retryable.
type Provider interface {
	Extract(ctx context.Context, content []byte, mimeType, fileName string) (*Extraction, error)
}

// ValidationError carries the reason a content reference was rejected
type ValidationError struct {
	ContentRef string
	Reason     string
}

func (e *ValidationError) Error() string {
	return "storage validation failed: " + e.Reason
}

// Unwrap lets errors.Is match ErrStorageValidation
func (e *ValidationError) Unwrap() error {
	return ErrStorageValidation
}
