package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJob = jobs.Job{
	ID:       "job-1",
	TenantID: "acme",
	TaskName: "crawl_website",
	Params:   map[string]any{"url": "https://acme.test"},
}

func TestExecuteSuccess(t *testing.T) {
	var (
		received crawlRequest
		auth     string
		idem     string
		path     string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := New(server.URL+"/", "secret", time.Second)
	require.NoError(t, c.Execute(context.Background(), testJob))

	assert.Equal(t, "/crawl", path)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "job-1", idem)
	assert.Equal(t, crawlRequest{
		JobID:    "job-1",
		TenantID: "acme",
		TaskName: "crawl_website",
		Params:   map[string]any{"url": "https://acme.test"},
	}, received)
}

func TestExecuteErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "structured error", status: http.StatusBadGateway, body: `{"error":"origin timed out"}`, wantMessage: "origin timed out"},
		{name: "plain body", status: http.StatusInternalServerError, body: "boom\n", wantMessage: "boom"},
		{name: "empty body", status: http.StatusTooManyRequests, wantMessage: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := New(server.URL, "", time.Second).Execute(context.Background(), testJob)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMessage, apiErr.Message)
		})
	}
}

func TestExecuteNoAuthHeaderWithoutToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, "", time.Second).Execute(context.Background(), testJob))
	assert.Empty(t, auth)
}

func TestExecuteHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := New(server.URL, "", time.Minute).Execute(ctx, testJob)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
