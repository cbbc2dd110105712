package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier delivers terminal job events as a DM, the way
// internal/discord/respond.go's reply helpers send channel messages: call
// the session method, log a warning and return the error on failure, never
// panic.
type DiscordNotifier struct {
	session *discordgo.Session
}

var _ Notifier = (*DiscordNotifier)(nil)

// NewDiscordNotifier wraps an already-authenticated session.
func NewDiscordNotifier(session *discordgo.Session) *DiscordNotifier {
	return &DiscordNotifier{session: session}
}

func (n *DiscordNotifier) NotifyCompleted(ctx context.Context, ownerEmail, ownerDiscordID, transcreationID, finalURL string) error {
	return n.send(ownerDiscordID, fmt.Sprintf("Your dub for transcreation `%s` is ready: %s", transcreationID, finalURL))
}

func (n *DiscordNotifier) NotifyFailed(ctx context.Context, ownerEmail, ownerDiscordID, transcreationID, reason string) error {
	return n.send(ownerDiscordID, fmt.Sprintf("Your dub for transcreation `%s` failed: %s", transcreationID, reason))
}

func (n *DiscordNotifier) send(discordUserID, content string) error {
	if discordUserID == "" {
		return nil
	}
	channel, err := n.session.UserChannelCreate(discordUserID)
	if err != nil {
		slog.Warn("notify: failed to open DM channel", "user_id", discordUserID, "err", err)
		return err
	}
	if _, err := n.session.ChannelMessageSend(channel.ID, content); err != nil {
		slog.Warn("notify: failed to send DM", "user_id", discordUserID, "err", err)
		return err
	}
	return nil
}
