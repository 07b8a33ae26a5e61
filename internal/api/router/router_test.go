package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/loan-backoffice/internal/api/dto"
	"github.com/cuongbtq/loan-backoffice/internal/api/handler"
	"github.com/cuongbtq/loan-backoffice/internal/metrics"
	"github.com/cuongbtq/loan-backoffice/internal/retry"
	"github.com/cuongbtq/loan-backoffice/internal/submission"
	"github.com/cuongbtq/loan-backoffice/internal/worker/domain"
	"github.com/cuongbtq/loan-backoffice/internal/worker/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	docA = "7d3f0a5e-2c61-4f7e-9a0c-1b2d3e4f5a6b"
	docB = "0b8c5e2d-93a4-4d1f-8e27-6a5b4c3d2e1f"
)

type stubTransmitter struct {
	err error
}

func (s *stubTransmitter) Transmit(context.Context, string) error {
	return s.err
}

type stubHealth struct {
	err error
}

func (s *stubHealth) HealthCheck(context.Context) error {
	return s.err
}

type apiFixture struct {
	now         time.Time
	jobs        *storage.MemoryStorage
	transmitter *stubTransmitter
	health      *stubHealth
	engine      *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &apiFixture{
		now:         time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		transmitter: &stubTransmitter{},
		health:      &stubHealth{},
	}
	f.jobs = storage.NewMemoryStorage(10*time.Minute, f.clock)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	svc := submission.NewService(&submission.ServiceConfig{
		Logger:      logger,
		Store:       submission.NewMemoryStore(f.clock),
		Transmitter: f.transmitter,
		Policy:      retry.Policy{BaseDelay: time.Minute, MaxDelay: time.Hour, MaxAttempts: 3},
		Metrics:     m,
		Now:         f.clock,
	})

	f.engine = SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Jobs:        f.jobs,
		Submissions: svc,
		Health:      f.health,
		ServiceName: "loan-backoffice-api",
		Gatherer:    reg,
		Metrics:     m,
	})
	return f
}

func (f *apiFixture) clock() time.Time {
	return f.now
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.health.err = errors.New("connection refused")
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateJob_Idempotent(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"natural_key":"` + docA + `","owner_ref":"app-1"}`
	first := f.do(t, http.MethodPost, "/api/v1/ocr-jobs", body)
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, http.MethodPost, "/api/v1/ocr-jobs", body)
	require.Equal(t, http.StatusOK, second.Code)

	a := decode[dto.JobDTO](t, first)
	b := decode[dto.JobDTO](t, second)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, "queued", a.Status)
	assert.Equal(t, domain.DefaultMaxAttempts, a.MaxAttempts)
	assert.Nil(t, a.LockedBy)
}

func TestCreateJob_BadRequests(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{`},
		{name: "missing natural key", body: `{"owner_ref":"app-1"}`},
		{name: "natural key not a uuid", body: `{"natural_key":"doc-a"}`},
		{name: "negative max attempts", body: `{"natural_key":"` + docA + `","max_attempts":-1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/ocr-jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJobAndResult(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/api/v1/ocr-jobs/"+docA, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.jobs.Enqueue(ctx, docA, "app-1", 2)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/ocr-jobs/"+docA+"/result", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	claimed, err := f.jobs.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/ocr-jobs/"+docA, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[dto.JobDTO](t, rec)
	assert.Equal(t, "processing", job.Status)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, "w1", *job.LockedBy)

	require.NoError(t, f.jobs.RecordSuccess(ctx, claimed[0], "w1", &domain.Result{
		NaturalKey:     docA,
		ProviderName:   "acme-ocr",
		Model:          "v2",
		Text:           "hello",
		StructuredJSON: json.RawMessage(`{"total":12}`),
	}))

	rec = f.do(t, http.MethodGet, "/api/v1/ocr-jobs/"+docA+"/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[dto.ResultDTO](t, rec)
	assert.Equal(t, "acme-ocr", result.ProviderName)
	assert.Equal(t, "hello", result.Text)
	assert.JSONEq(t, `{"total":12}`, string(result.StructuredJSON))
}

func TestResetJob(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/api/v1/ocr-jobs/"+docA+"/reset", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.jobs.Enqueue(ctx, docA, "app-1", 1)
	require.NoError(t, err)
	claimed, err := f.jobs.Claim(ctx, 1, "w1")
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/ocr-jobs/"+docA+"/reset", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.jobs.RecordFailure(ctx, claimed[0], "w1", retry.Outcome[domain.Status]{
		Status:       domain.JobStatusCanceled,
		AttemptCount: 1,
		LastError:    "provider unavailable",
	}))

	rec = f.do(t, http.MethodPost, "/api/v1/ocr-jobs/"+docA+"/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[dto.JobDTO](t, rec)
	assert.Equal(t, "queued", job.Status)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestListJobs_Pagination(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	for _, key := range []string{docA, docB} {
		_, err := f.jobs.Enqueue(ctx, key, "app-1", 0)
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/ocr-jobs?owner_ref=app-1&page_size=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[dto.ListJobsResponse](t, rec)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, docB, page.Jobs[0].NaturalKey)
	require.NotEmpty(t, page.NextCursor)

	rec = f.do(t, http.MethodGet, "/api/v1/ocr-jobs?owner_ref=app-1&page_size=1&cursor="+page.NextCursor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[dto.ListJobsResponse](t, rec)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, docA, page.Jobs[0].NaturalKey)
	assert.Empty(t, page.NextCursor)
}

func TestListJobs_BadQuery(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown status", query: "status=exploded"},
		{name: "garbage cursor", query: "cursor=%21%21"},
		{name: "non numeric page size", query: "page_size=ten"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/v1/ocr-jobs?"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmissionRetryFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/submissions/sub-1/retry-state", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.transmitter.err = errors.New("lender gateway timeout")
	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[dto.RetryStateDTO](t, rec)
	assert.Equal(t, "pending", state.Status)
	assert.Equal(t, 1, state.AttemptCount)
	require.NotNil(t, state.NextAttemptAt)

	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-1/retry", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/submissions/due", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[dto.ListDueResponse](t, rec).Submissions)

	f.now = f.now.Add(time.Hour)
	rec = f.do(t, http.MethodGet, "/api/v1/submissions/due", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[dto.ListDueResponse](t, rec).Submissions, 1)

	f.transmitter.err = nil
	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-1/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", decode[dto.RetryStateDTO](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmissionRetry_Force(t *testing.T) {
	f := newAPIFixture(t)
	f.transmitter.err = errors.New("lender gateway timeout")

	rec := f.do(t, http.MethodPost, "/api/v1/submissions/sub-2/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-2/retry?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-2/retry?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[dto.RetryStateDTO](t, rec).AttemptCount)
}

func TestSubmissionCancel(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-3/cancel", nil)
	req.Header.Set("X-Actor", "ops@lender.test")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[dto.RetryStateDTO](t, rec)
	assert.Equal(t, "canceled", state.Status)
	assert.NotNil(t, state.CanceledAt)

	rec = f.do(t, http.MethodPost, "/api/v1/submissions/sub-3/retry?force=true", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.transmitter.err = errors.New("lender gateway timeout")
	f.do(t, http.MethodPost, "/api/v1/submissions/sub-4/retry", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "loan_backoffice_submission_attempts_total")
	assert.Contains(t, body, `route="/api/v1/submissions/:submission_id/retry"`)
}

func TestRequestID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodOptions, "/api/v1/ocr-jobs", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
