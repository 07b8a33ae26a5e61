package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"
)

// HTTPProviderConfig configures the remote extraction endpoint
type HTTPProviderConfig struct {
	Endpoint string
	APIKey   string
	Name     string
	Client   *http.Client
}

// HTTPProvider posts document content to an extraction service as multipart form data
type HTTPProvider struct {
	endpoint string
	apiKey   string
	name     string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPProvider creates a provider client. No request timeout is applied by
// default; callers that want one pass their own http.Client.
func NewHTTPProvider(cfg *HTTPProviderConfig, logger *slog.Logger) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		name:     cfg.Name,
		client:   client,
		logger:   logger,
	}
}

// Extract sends the content and decodes the provider's extraction
func (p *HTTPProvider) Extract(ctx context.Context, content []byte, mimeType, fileName string) (*Extraction, error) {
	if fileName == "" {
		fileName = "document"
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("mime_type", mimeType); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(body), 512))
	}

	var out Extraction
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if out.ProviderName == "" {
		out.ProviderName = p.name
	}

	p.logger.Debug("Provider extraction completed",
		slog.String("provider", out.ProviderName),
		slog.String("model", out.Model),
		slog.Duration("latency", time.Since(start)),
	)

	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
