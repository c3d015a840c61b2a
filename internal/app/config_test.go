package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CRAWL_EXECUTOR_URL", "http://executor.internal")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Semaphore.TTL)
	assert.Equal(t, time.Hour, cfg.FlagTTL)
	assert.Equal(t, 30*time.Second, cfg.LeaderTTL)
	assert.Equal(t, 2*time.Hour, cfg.Watchdog.MaxAge)
	assert.Equal(t, 10*time.Minute, cfg.Watchdog.StaleThreshold)
	assert.Equal(t, time.Hour, cfg.Watchdog.RunningCeiling)
	assert.Equal(t, 5*time.Second, cfg.Defaults.PollInterval)
	assert.True(t, cfg.FeederEnabled)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CRAWL_EXECUTOR_URL", "http://executor.internal")
	t.Setenv("SLOT_FLAG_TTL_SECONDS", "7200")
	t.Setenv("WORKER_COUNT", "12")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("API_RATE_LIMIT_BURST", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.FlagTTL)
	assert.Equal(t, 12, cfg.Worker.Workers)
	assert.False(t, cfg.WorkerEnabled)
	assert.Equal(t, 10, cfg.APIRateBurst)
}

func TestValidateTimingInvariants(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "flag outlived by counter",
			mutate:  func(c *Config) { c.FlagTTL = c.Semaphore.TTL },
			wantErr: "slot flag TTL",
		},
		{
			name:    "stale threshold beyond max age",
			mutate:  func(c *Config) { c.Watchdog.StaleThreshold = 3 * time.Hour },
			wantErr: "stale threshold",
		},
		{
			name:    "poll slower than leader lease",
			mutate:  func(c *Config) { c.Defaults.PollInterval = time.Minute },
			wantErr: "poll interval",
		},
		{
			name:    "worker without executor",
			mutate:  func(c *Config) { c.ExecutorURL = "" },
			wantErr: "CRAWL_EXECUTOR_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CRAWL_EXECUTOR_URL", "http://executor.internal")
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigRejectsInvalidTiming(t *testing.T) {
	t.Setenv("CRAWL_EXECUTOR_URL", "http://executor.internal")
	t.Setenv("SEMAPHORE_TTL_SECONDS", "7200")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot flag TTL")
}

func TestParseOTLPHeaders(t *testing.T) {
	got := ParseOTLPHeaders(" authorization = Bearer abc , x-team=crawl,broken,=empty")
	assert.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-team":        "crawl",
	}, got)
	assert.Empty(t, ParseOTLPHeaders(""))
}
