package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/admission"
	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/Harvey-AU/crawl-admission/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSubmitter struct {
	got   admission.Request
	jobID string
	err   error
}

func (s *stubSubmitter) Submit(ctx context.Context, req admission.Request) (string, error) {
	s.got = req
	return s.jobID, s.err
}

func newTestServer(h *Handler) http.Handler {
	mux := http.NewServeMux()
	h.SetupRoutes(mux)
	return RequestIDMiddleware(LoggingMiddleware(mux))
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		submitter  *stubSubmitter
		wantStatus int
		wantJobID  string
	}{
		{
			name:       "accepted",
			body:       `{"tenant_id":"acme","task_name":"crawl_website","params":{"url":"https://acme.test"}}`,
			submitter:  &stubSubmitter{jobID: "job-1"},
			wantStatus: http.StatusAccepted,
			wantJobID:  "job-1",
		},
		{
			name:       "malformed json",
			body:       `{"tenant_id":`,
			submitter:  &stubSubmitter{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing fields",
			body:       `{"tenant_id":"acme"}`,
			submitter:  &stubSubmitter{err: fmt.Errorf("%w: missing", admission.ErrInvalidRequest)},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "failed after creation",
			body:       `{"tenant_id":"acme","task_name":"crawl_website"}`,
			submitter:  &stubSubmitter{jobID: "job-2", err: errors.New("push pending job")},
			wantStatus: http.StatusServiceUnavailable,
			wantJobID:  "job-2",
		},
		{
			name:       "failed before creation",
			body:       `{"tenant_id":"acme","task_name":"crawl_website"}`,
			submitter:  &stubSubmitter{err: errors.New("insert job")},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(NewHandler(tt.submitter, testutil.NewJobStore(), nil))

			req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

			if tt.wantJobID != "" {
				assert.Contains(t, rec.Body.String(), `"job_id":"`+tt.wantJobID+`"`)
			}
		})
	}
}

func TestCreateJobPassesRequestThrough(t *testing.T) {
	sub := &stubSubmitter{jobID: "job-1"}
	srv := newTestServer(NewHandler(sub, testutil.NewJobStore(), nil))

	body := `{"tenant_id":"acme","task_name":"crawl_website","params":{"depth":2}}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, admission.Request{
		TenantID: "acme",
		TaskName: "crawl_website",
		Params:   map[string]any{"depth": float64(2)},
	}, sub.got)
}

func TestGetJob(t *testing.T) {
	store := testutil.NewJobStore()
	id, err := store.CreateJob(context.Background(), jobs.NewJob{TenantID: "acme", TaskName: "crawl_website"})
	require.NoError(t, err)
	srv := newTestServer(NewHandler(&stubSubmitter{}, store, nil))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data JobResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Data.ID)
	assert.Equal(t, "QUEUED", resp.Data.Status)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	checks := map[string]HealthCheck{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return nil },
	}
	srv := newTestServer(NewHandler(&stubSubmitter{}, testutil.NewJobStore(), checks))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	checks["redis"] = func(ctx context.Context) error { return errors.New("dial tcp: connection refused") }
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"])
}

func TestRequestIDIsPreserved(t *testing.T) {
	srv := newTestServer(NewHandler(&stubSubmitter{}, testutil.NewJobStore(), nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-123", rec.Header().Get("X-Request-ID"))
}

func TestIPRateLimiter(t *testing.T) {
	limiter := NewIPRateLimiter(0.001, 2)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("203.0.113.7").Code)
	assert.Equal(t, http.StatusNoContent, do("203.0.113.7").Code)

	rec := do("203.0.113.7")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, do("198.51.100.2").Code, "budgets are per client")
}

func TestTooManyRequestsRoundsRetryAfterUp(t *testing.T) {
	rec := httptest.NewRecorder()
	TooManyRequests(rec, httptest.NewRequest(http.MethodGet, "/", nil), "slow down", 1500*time.Millisecond)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
