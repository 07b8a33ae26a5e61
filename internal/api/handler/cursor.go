package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
)

// DecodeJobCursor parses a list cursor; an empty string means the first page
func DecodeJobCursor(cursorStr string) (*domain.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	if _, err := fmt.Sscanf(parts[0], "%d", &createdAt); err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &domain.JobCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		ID:        parts[1],
	}, nil
}

// EncodeJobCursor returns the cursor that resumes listing after cursor
func EncodeJobCursor(cursor *domain.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.ID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
