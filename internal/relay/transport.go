package relay

import (
	"context"
	"errors"
	"strings"
)

// ErrTransport wraps every rejected outbound call.
var ErrTransport = errors.New("relay: transport failure")

// ErrNotModified is returned by EditButtons when the markup is already current.
var ErrNotModified = errors.New("relay: message is not modified")

// Parse modes understood by the transport.
const (
	ParseModeNone       = ""
	ParseModeMarkdown   = "Markdown"
	ParseModeMarkdownV2 = "MarkdownV2"
)

// Button is one inline button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Outgoing is a text message to a chat, optionally inside a forum topic.
type Outgoing struct {
	ChatID    int64
	TopicID   int
	Text      string
	ParseMode string
	ReplyTo   int
	Buttons   []Button
}

// Forward copies an existing message into another chat or topic.
type Forward struct {
	ToChatID   int64
	TopicID    int
	FromChatID int64
	MessageID  int
}

// Transport is the chat platform the controller drives. Every method makes a
// single attempt.
type Transport interface {
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	Forward(ctx context.Context, f Forward) error
	Send(ctx context.Context, m Outgoing) (int, error)
	EditButtons(ctx context.Context, chatID int64, messageID int, buttons []Button) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	Typing(ctx context.Context, chatID int64) error
}

// IsNotModified reports whether err means the edit was a no-op.
func IsNotModified(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotModified) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
