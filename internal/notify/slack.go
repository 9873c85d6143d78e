// Package notify delivers operator alerts over Slack and user-facing
// hand-off messages through the WhatsApp gateway.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/store"
)

// slackAPI is the slice of the Slack client the notifier uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts token budget alerts to a Slack channel.
type SlackNotifier struct {
	api     slackAPI
	channel string
}

// NewSlackNotifier creates a notifier from config. Returns nil when no
// token is configured; callers treat a nil notifier as disabled.
func NewSlackNotifier(cfg config.NotifyConfig) *SlackNotifier {
	token := strings.TrimSpace(cfg.SlackToken)
	if token == "" {
		return nil
	}
	return &SlackNotifier{
		api:     slack.New(token),
		channel: cfg.SlackChannel,
	}
}

// SendTokenUsageAlert posts a budget warning. A limit row carrying its
// own Slack channel overrides the default one.
func (n *SlackNotifier) SendTokenUsageAlert(ctx context.Context, alert *store.TokenUsageAlert, limit *store.TokenUsageLimit) error {
	channel := n.channel
	if limit != nil && strings.TrimSpace(limit.NotifySlack) != "" {
		channel = limit.NotifySlack
	}
	if channel == "" {
		return fmt.Errorf("no slack channel configured for token alerts")
	}

	scope := "tenant " + alert.TenantID
	if alert.AgentID != "" {
		scope += ", agent " + alert.AgentID
	}
	text := fmt.Sprintf(":warning: Token usage at %.1f%% of the %s limit (%s): %d of %d tokens.",
		alert.UsagePercent, alert.LimitType, scope, alert.TokensUsed, alert.TokenLimit)

	_, _, err := n.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post slack alert: %w", err)
	}
	return nil
}
