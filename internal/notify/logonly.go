package notify

import (
	"context"
	"log/slog"
)

// LogOnlyNotifier is the default Notifier when no DISCORD_BOT_TOKEN is
// configured: it records the terminal event in the log and nothing else.
type LogOnlyNotifier struct{}

var _ Notifier = LogOnlyNotifier{}

func (LogOnlyNotifier) NotifyCompleted(ctx context.Context, ownerEmail, ownerDiscordID, transcreationID, finalURL string) error {
	slog.Info("notify: job completed", "transcreation_id", transcreationID, "owner_email", ownerEmail, "final_audio_url", finalURL)
	return nil
}

func (LogOnlyNotifier) NotifyFailed(ctx context.Context, ownerEmail, ownerDiscordID, transcreationID, reason string) error {
	slog.Warn("notify: job failed", "transcreation_id", transcreationID, "owner_email", ownerEmail, "reason", reason)
	return nil
}
