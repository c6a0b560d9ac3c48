// Package notify alerts operators about failed prompts on chat platforms.
package notify

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/zulandar/parley/internal/config"
)

// Notifier delivers a failure alert. Implementations must treat delivery as
// best-effort; the worker never blocks or fails on an alerting problem.
type Notifier interface {
	PromptFailed(ctx context.Context, chatUID string, promptID uint, reason string) error
}

// FormatFailure renders the alert text shared by all adapters.
func FormatFailure(chatUID string, promptID uint, reason string) string {
	return fmt.Sprintf("Prompt %d in chat %s failed: %s", promptID, chatUID, reason)
}

// multi fans one alert out to several adapters.
type multi struct {
	notifiers []Notifier
}

func (m *multi) PromptFailed(ctx context.Context, chatUID string, promptID uint, reason string) error {
	for _, n := range m.notifiers {
		if err := n.PromptFailed(ctx, chatUID, promptID, reason); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"chat_uid":  chatUID,
				"prompt_id": promptID,
			}).Warn("notify: alert delivery failed")
		}
	}
	return nil
}

// FromConfig builds the configured notifier fan-out. Returns nil when no
// platform is configured; callers treat a nil Notifier as disabled.
func FromConfig(cfg config.NotifyConfig) Notifier {
	var notifiers []Notifier
	if cfg.Slack.Token != "" {
		notifiers = append(notifiers, NewSlack(cfg.Slack))
	}
	if cfg.Discord.Token != "" {
		notifiers = append(notifiers, NewDiscord(cfg.Discord))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return &multi{notifiers: notifiers}
}
