// Package notify is a supplemented feature: it pushes daily_feedback
// bullets to a Slack channel instead of requiring every consumer to
// poll the HTTP endpoint, gated by the SLACK_WEBHOOK_ENABLED config
// flag. It never changes daily_feedback/insights' pollable contract --
// delivery is additive only.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/prodplan-one/copilot-core/pkg/insights"
)

// Sanitizer strips anything a daily_feedback bullet shouldn't leak
// before it leaves the process -- pkg/guardrail's employee-name
// redaction, reused rather than duplicated.
type Sanitizer interface {
	RedactText(text string) string
}

// SlackNotifier delivers DailyFeedback bullets to one Slack channel.
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
	sanitizer Sanitizer
	logger    *zap.Logger
}

// NewSlackNotifier builds a notifier targeting channelID with token.
func NewSlackNotifier(token, channelID string, sanitizer Sanitizer, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:       goslack.New(token),
		channelID: channelID,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// DeliverDailyFeedback posts a single message listing every bullet,
// worst severity first. A delivery failure is logged and
// returned but never blocks the caller from having already served the
// pollable daily_feedback response.
func (n *SlackNotifier) DeliverDailyFeedback(ctx context.Context, fb *insights.DailyFeedback) error {
	if fb == nil || len(fb.Bullets) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := renderBlocks(fb, n.sanitizer)
	_, _, err := n.api.PostMessageContext(ctx, n.channelID, goslack.MsgOptionBlocks(blocks...))
	if err != nil {
		n.logger.Warn("notify: slack delivery failed",
			zap.String("tenant_id", fb.TenantID),
			zap.Error(err))
		return fmt.Errorf("notify: post to slack: %w", err)
	}
	return nil
}

var severityOrder = map[string]int{"CRITICAL": 0, "WARN": 1, "INFO": 2}

func renderBlocks(fb *insights.DailyFeedback, sanitizer Sanitizer) []goslack.Block {
	bullets := append([]insights.Bullet(nil), fb.Bullets...)
	sortBySeverity(bullets)

	header := goslack.NewHeaderBlock(goslack.NewTextBlockObject(goslack.PlainTextType,
		fmt.Sprintf("Daily feedback -- %s", fb.Date), false, false))
	blocks := []goslack.Block{header}

	var lines []string
	for _, b := range bullets {
		text := b.Text
		if sanitizer != nil {
			text = sanitizer.RedactText(text)
		}
		lines = append(lines, fmt.Sprintf("*[%s]* %s: %s", b.Severity, b.Title, text))
	}
	body := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, strings.Join(lines, "\n"), false, false),
		nil, nil,
	)
	return append(blocks, body)
}

func sortBySeverity(bullets []insights.Bullet) {
	for i := 1; i < len(bullets); i++ {
		for j := i; j > 0 && severityOrder[bullets[j].Severity] < severityOrder[bullets[j-1].Severity]; j-- {
			bullets[j], bullets[j-1] = bullets[j-1], bullets[j]
		}
	}
}
