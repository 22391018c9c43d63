package channels_test

import (
	"testing"

	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/relay"
)

// Compile-time interface checks.
var (
	_ channels.Channel = (*channels.TelegramChannel)(nil)
	_ relay.Transport  = (*channels.TelegramChannel)(nil)
)

func TestTelegramChannel_Name(t *testing.T) {
	ch := channels.NewTelegramChannel(channels.TelegramConfig{Token: "fake-token"})
	if got := ch.Name(); got != "telegram" {
		t.Fatalf("TelegramChannel.Name() = %q, want %q", got, "telegram")
	}
}
