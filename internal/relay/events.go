package relay

import "strconv"

// Sender identifies the author of an inbound message.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// PrivateMessage is a user writing to the bot directly.
type PrivateMessage struct {
	From      Sender
	ChatID    int64
	MessageID int
	Text      string // text or caption
}

// RepliedMessage describes the message an admin reply answers.
type RepliedMessage struct {
	FromID     int64
	HasButtons bool
	Text       string
}

// AdminReply is a staff message posted in the support group.
type AdminReply struct {
	ChatID    int64
	TopicID   int
	IsTopic   bool
	From      Sender
	MessageID int
	Text      string // text or caption
	ReplyTo   *RepliedMessage
}

// ToggleCallback is an inline button press.
type ToggleCallback struct {
	ID        string
	From      Sender
	Data      string
	ChatID    int64
	MessageID int
}

// TagCommand is a /tag command in the support group.
type TagCommand struct {
	ChatID    int64
	TopicID   int
	MessageID int
	From      Sender
	Text      string
}

// StartCommand is /start in a private chat.
type StartCommand struct {
	Message PrivateMessage
}

// Kind names an event for logs and dispatch.
func Kind(ev any) string {
	switch ev.(type) {
	case PrivateMessage:
		return "private_message"
	case AdminReply:
		return "admin_reply"
	case ToggleCallback:
		return "toggle_callback"
	case TagCommand:
		return "tag_command"
	case StartCommand:
		return "start_command"
	default:
		return "unknown"
	}
}

func userKey(id int64) string { return "user:" + strconv.FormatInt(id, 10) }
func topicKey(id int) string  { return "topic:" + strconv.Itoa(id) }
