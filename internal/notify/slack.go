package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/zulandar/parley/internal/config"
)

// Slack posts failure alerts to a Slack channel.
type Slack struct {
	client  *slack.Client
	channel string
}

// NewSlack builds a Slack notifier from config.
func NewSlack(cfg config.SlackConfig) *Slack {
	return &Slack{
		client:  slack.New(cfg.Token),
		channel: cfg.Channel,
	}
}

// PromptFailed posts the alert to the configured channel.
func (s *Slack) PromptFailed(ctx context.Context, chatUID string, promptID uint, reason string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(FormatFailure(chatUID, promptID, reason), false),
	)
	if err != nil {
		return fmt.Errorf("notify: slack post to %s: %w", s.channel, err)
	}
	return nil
}
