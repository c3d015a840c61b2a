package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSlackNotifierDisabledWithoutURL(t *testing.T) {
	n := NewSlackNotifier("", "production", time.Minute)
	assert.Nil(t, n)
	assert.NoError(t, n.NotifyRepairs(context.Background(), RepairSummary{Expired: 3}))
}

func TestNotifyRepairsPostsWebhook(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "staging", time.Minute)
	err := n.NotifyRepairs(context.Background(), RepairSummary{Expired: 2, Stalled: 1})
	require.NoError(t, err)

	assert.Equal(t, "Watchdog repairs: 0 reconciled, 2 expired, 0 rescued, 1 stalled, 0 errors", body["text"])
	blocks, ok := body["blocks"].([]any)
	require.True(t, ok)
	assert.Len(t, blocks, 2)
}

func TestNotifyRepairsSkipsQuietPasses(t *testing.T) {
	calls := 0
	n := NewSlackNotifier("https://hooks.slack.test/x", "", time.Minute)
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		calls++
		return nil
	}

	require.NoError(t, n.NotifyRepairs(context.Background(), RepairSummary{}))
	assert.Zero(t, calls)
}

func TestNotifyRepairsIsRateLimited(t *testing.T) {
	calls := 0
	n := NewSlackNotifier("https://hooks.slack.test/x", "", time.Hour)
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		calls++
		return nil
	}

	for range 5 {
		require.NoError(t, n.NotifyRepairs(context.Background(), RepairSummary{Rescued: 1}))
	}
	assert.Equal(t, 1, calls)
}

func TestNotifyRepairsReturnsPostError(t *testing.T) {
	n := NewSlackNotifier("https://hooks.slack.test/x", "", time.Minute)
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		return errors.New("slack unavailable")
	}

	err := n.NotifyRepairs(context.Background(), RepairSummary{Errors: 1})
	assert.ErrorContains(t, err, "slack unavailable")
}
