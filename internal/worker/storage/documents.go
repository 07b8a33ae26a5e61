package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cuongbtq/loan-backoffice/internal/ocr"
	"github.com/jmoiron/sqlx"
)

// Documents resolves active document versions from PostgreSQL
type Documents struct {
	db *sqlx.DB
}

// NewDocuments creates a new Documents instance
func NewDocuments(db *sqlx.DB) *Documents {
	return &Documents{db: db}
}

// ActiveVersion returns the version currently marked active on the document
func (d *Documents) ActiveVersion(ctx context.Context, documentID string) (*ocr.DocumentVersion, error) {
	query := `
		SELECT v.document_id, v.id, v.content_ref, v.mime_type, v.file_name
		FROM documents d
		JOIN document_versions v ON v.id = d.active_version_id
		WHERE d.id = $1
	`

	var v ocr.DocumentVersion
	err := d.db.QueryRowContext(ctx, query, documentID).Scan(
		&v.DocumentID,
		&v.VersionID,
		&v.ContentRef,
		&v.MimeType,
		&v.FileName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ocr.ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to get active document version: %w", err)
	}

	return &v, nil
}
