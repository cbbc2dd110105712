package notify

import (
	"context"
	"testing"
)

func TestLogOnlyNotifierNeverErrors(t *testing.T) {
	var n LogOnlyNotifier
	if err := n.NotifyCompleted(context.Background(), "owner@example.com", "", "t1", "https://blob/x.wav"); err != nil {
		t.Errorf("NotifyCompleted: %v", err)
	}
	if err := n.NotifyFailed(context.Background(), "owner@example.com", "", "t1", "boom"); err != nil {
		t.Errorf("NotifyFailed: %v", err)
	}
}

func TestDiscordNotifierSkipsWhenNoDiscordID(t *testing.T) {
	// A nil session is safe here: send() returns before touching n.session
	// when discordUserID is empty, which is the only case this package can
	// unit test without a live Discord API.
	n := NewDiscordNotifier(nil)
	if err := n.NotifyCompleted(context.Background(), "owner@example.com", "", "t1", "https://blob/x.wav"); err != nil {
		t.Errorf("expected nil error for owner with no discord id, got %v", err)
	}
	if err := n.NotifyFailed(context.Background(), "owner@example.com", "", "t1", "boom"); err != nil {
		t.Errorf("expected nil error for owner with no discord id, got %v", err)
	}
}
