package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/crawl-admission/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("CRAWL_EXECUTOR_URL", "http://executor.internal")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresRoles(t *testing.T) {
	conn, _, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	_, rdb := testutil.NewRedis(t)

	cfg := testConfig(t)
	s := Build(cfg, conn, rdb)
	assert.NotNil(t, s.Feeder)
	assert.NotNil(t, s.Pool)
	assert.NotNil(t, s.Admission)
	assert.NotNil(t, s.Watchdog)

	cfg.FeederEnabled = false
	cfg.WorkerEnabled = false
	s = Build(cfg, conn, rdb)
	assert.Nil(t, s.Feeder)
	assert.Nil(t, s.Pool)
}

func TestStartAndShutdownWithoutWork(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	_, rdb := testutil.NewRedis(t)

	cfg := testConfig(t)
	cfg.WorkerEnabled = false
	s := Build(cfg, conn, rdb)

	// Queries from the watchdog pass are unmatched and fail; the feeder logs
	// the repair error and carries on.
	mock.MatchExpectationsInOrder(false)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return rdb.Exists(context.Background(), "crawl_feeder:leader").Val() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
	assert.Zero(t, rdb.Exists(context.Background(), "crawl_feeder:leader").Val())
}

func TestHandlerServesHealth(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer conn.Close()
	_, rdb := testutil.NewRedis(t)

	mock.ExpectPing()
	s := Build(testConfig(t), conn, rdb)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
