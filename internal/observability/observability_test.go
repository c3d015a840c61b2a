package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledIsNoop(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, prov)

	h := http.NotFoundHandler()
	assert.Equal(t, h, WrapHandler(h, nil))
}

func TestInitServesCrawlMetrics(t *testing.T) {
	ctx := context.Background()
	prov, err := Init(ctx, Config{Enabled: true, Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, prov)
	t.Cleanup(func() { _ = prov.Shutdown(context.Background()) })

	assert.Equal(t, "crawl-admission", prov.Config.ServiceName)

	RecordAdmission(ctx, "acme", "granted")
	RecordWatchdogRepairs(ctx, "expire_queued", 2)
	RecordWorkerTask(ctx, WorkerTaskMetrics{TenantID: "acme", Outcome: "completed", Duration: time.Second})

	rec := httptest.NewRecorder()
	prov.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "crawl_admission")
	assert.Contains(t, string(body), "crawl_watchdog_repairs")
}

func TestRecordersNeverPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordFeederCycle(context.Background(), FeederCycleMetrics{Leader: true, Dispatched: 1})
		_, span := StartFeederCycleSpan(context.Background())
		span.End()
	})
}

func TestWrapHandlerPassesRequestsThrough(t *testing.T) {
	prov, err := Init(context.Background(), Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = prov.Shutdown(context.Background()) })

	wrapped := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}), prov)

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
