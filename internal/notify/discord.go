package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/parley/internal/config"
)

// Discord posts failure alerts to a Discord channel. Messages go over the
// REST API; no gateway connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscord builds a Discord notifier from config.
func NewDiscord(cfg config.DiscordConfig) *Discord {
	// discordgo.New only errors on a malformed token format, which a bot
	// token prefixed here cannot produce.
	session, _ := discordgo.New("Bot " + cfg.Token)
	return &Discord{session: session, channelID: cfg.ChannelID}
}

// PromptFailed posts the alert to the configured channel.
func (d *Discord) PromptFailed(ctx context.Context, chatUID string, promptID uint, reason string) error {
	_, err := d.session.ChannelMessageSend(d.channelID, FormatFailure(chatUID, promptID, reason), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notify: discord post to %s: %w", d.channelID, err)
	}
	return nil
}
