package ocr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProvider_Extract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "application/pdf", r.FormValue("mime_type"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		content, _ := io.ReadAll(file)
		assert.Equal(t, "paystub.pdf", header.Filename)
		assert.Equal(t, "bytes", string(content))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":            "Gross pay 5000",
			"structured_json": map[string]any{"gross_pay": 5000},
			"model":           "ocr-large",
			"meta":            map[string]any{"pages": 1},
		})
	}))
	defer srv.Close()

	provider := NewHTTPProvider(&HTTPProviderConfig{
		Endpoint: srv.URL,
		APIKey:   "secret",
		Name:     "acme-ocr",
	}, discardLogger())

	out, err := provider.Extract(context.Background(), []byte("bytes"), "application/pdf", "paystub.pdf")
	require.NoError(t, err)

	assert.Equal(t, "Gross pay 5000", out.Text)
	assert.Equal(t, "ocr-large", out.Model)
	assert.Equal(t, "acme-ocr", out.ProviderName)
	assert.JSONEq(t, `{"gross_pay":5000}`, string(out.StructuredJSON))
	assert.JSONEq(t, `{"pages":1}`, string(out.Meta))
}

func TestHTTPProvider_ExtractErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("overloaded"))
	}))
	defer srv.Close()

	provider := NewHTTPProvider(&HTTPProviderConfig{Endpoint: srv.URL}, discardLogger())

	_, err := provider.Extract(context.Background(), []byte("x"), "image/png", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}
