// Package notifications sends operational alerts about admission repairs.
package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// RepairSummary is what one watchdog pass repaired.
type RepairSummary struct {
	Reconciled int // counters corrected to database truth
	Expired    int // QUEUED jobs failed for exceeding max age
	Rescued    int // stale QUEUED jobs re-submitted
	Stalled    int // IN_PROGRESS jobs failed for exceeding the running ceiling
	Errors     int // per-job repairs that failed and were skipped
}

// Total is the number of repairs, excluding errors.
func (s RepairSummary) Total() int {
	return s.Reconciled + s.Expired + s.Rescued + s.Stalled
}

type webhookPoster func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// SlackNotifier posts watchdog repair alerts to a Slack incoming webhook.
// Alerts are rate limited so a persistent fault produces one message per
// interval, not one per feeder cycle.
type SlackNotifier struct {
	webhookURL  string
	environment string
	limiter     *rate.Limiter
	post        webhookPoster
}

// NewSlackNotifier returns nil when webhookURL is empty.
func NewSlackNotifier(webhookURL, environment string, minInterval time.Duration) *SlackNotifier {
	if webhookURL == "" {
		return nil
	}
	if minInterval <= 0 {
		minInterval = 15 * time.Minute
	}
	return &SlackNotifier{
		webhookURL:  webhookURL,
		environment: environment,
		limiter:     rate.NewLimiter(rate.Every(minInterval), 1),
		post:        slack.PostWebhookContext,
	}
}

// NotifyRepairs posts a summary when anything was repaired or failed.
func (n *SlackNotifier) NotifyRepairs(ctx context.Context, s RepairSummary) error {
	if n == nil || (s.Total() == 0 && s.Errors == 0) {
		return nil
	}
	if !n.limiter.Allow() {
		log.Debug().Int("repairs", s.Total()).Msg("Suppressing repair alert, rate limited")
		return nil
	}

	msg := &slack.WebhookMessage{
		Text:   fallbackText(s),
		Blocks: &slack.Blocks{BlockSet: n.buildBlocks(s)},
	}
	if err := n.post(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post repair alert: %w", err)
	}
	return nil
}

func (n *SlackNotifier) buildBlocks(s RepairSummary) []slack.Block {
	emoji := ":wrench:"
	if s.Errors > 0 {
		emoji = ":warning:"
	}
	title := "Crawl admission watchdog repaired jobs"
	if n.environment != "" {
		title = fmt.Sprintf("%s (%s)", title, n.environment)
	}

	var lines []string
	for _, row := range []struct {
		label string
		n     int
	}{
		{"Counters reconciled", s.Reconciled},
		{"Expired queued jobs failed", s.Expired},
		{"Stale queued jobs re-submitted", s.Rescued},
		{"Stalled running jobs failed", s.Stalled},
		{"Repairs skipped after errors", s.Errors},
	} {
		if row.n > 0 {
			lines = append(lines, fmt.Sprintf("• %s: *%d*", row.label, row.n))
		}
	}

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, title), false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.Join(lines, "\n"), false, false),
			nil,
			nil,
		),
	}
}

func fallbackText(s RepairSummary) string {
	return fmt.Sprintf("Watchdog repairs: %d reconciled, %d expired, %d rescued, %d stalled, %d errors",
		s.Reconciled, s.Expired, s.Rescued, s.Stalled, s.Errors)
}
