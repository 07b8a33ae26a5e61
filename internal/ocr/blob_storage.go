package ocr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/doyensec/safeurl"
)

// BlobStorageConfig holds the download policy for document content
type BlobStorageConfig struct {
	AllowedSchemes []string
	AllowedHosts   []string
	MaxBytes       int64
	Client         *http.Client
}

// BlobStorage downloads document content over HTTP(S) from trusted hosts only
type BlobStorage struct {
	schemes  map[string]struct{}
	hosts    map[string]struct{}
	maxBytes int64
	client   *http.Client
	logger   *slog.Logger
}

// NewBlobStorage creates a BlobStorage with the given allowlists
func NewBlobStorage(cfg *BlobStorageConfig, logger *slog.Logger) *BlobStorage {
	client := cfg.Client
	if client == nil {
		client = newSafeClient()
	}

	s := &BlobStorage{
		schemes:  toSet(cfg.AllowedSchemes),
		hosts:    toSet(cfg.AllowedHosts),
		maxBytes: cfg.MaxBytes,
		client:   client,
		logger:   logger,
	}
	if len(s.schemes) == 0 {
		s.schemes = toSet([]string{"https"})
	}

	return s
}

// Validate checks a content reference against the allowlists without fetching it
func (s *BlobStorage) Validate(contentRef string) (*url.URL, error) {
	u, err := url.Parse(contentRef)
	if err != nil {
		return nil, &ValidationError{ContentRef: contentRef, Reason: "unparseable content reference"}
	}

	if _, ok := s.schemes[strings.ToLower(u.Scheme)]; !ok {
		return nil, &ValidationError{ContentRef: contentRef, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}

	if _, ok := s.hosts[strings.ToLower(u.Hostname())]; !ok {
		return nil, &ValidationError{ContentRef: contentRef, Reason: fmt.Sprintf("host %q not allowed", u.Hostname())}
	}

	if u.User != nil {
		return nil, &ValidationError{ContentRef: contentRef, Reason: "credentials in content reference"}
	}

	return u, nil
}

// GetBuffer downloads the referenced content
func (s *BlobStorage) GetBuffer(ctx context.Context, contentRef string) ([]byte, error) {
	u, err := s.Validate(contentRef)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download content: unexpected status %d", resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if s.maxBytes > 0 {
		body = io.LimitReader(resp.Body, s.maxBytes+1)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("content exceeds %d bytes", s.maxBytes)
	}

	s.logger.Debug("Document content downloaded",
		slog.String("host", u.Hostname()),
		slog.Int("bytes", len(data)),
	)

	return data, nil
}

// newSafeClient refuses private, loopback and link-local targets at dial time,
// which also covers allowlisted names that resolve inward. Redirects are not
// followed since they would bypass the host allowlist. Like the provider call
// there is no request timeout; an expired lease is the backstop.
func newSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(0).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
