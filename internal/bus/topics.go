package bus

// Relay domain topics.
const (
	TopicUserCreated   = "user.created"
	TopicAIModeChanged = "aimode.changed"
	TopicTagsChanged   = "tags.changed"
	TopicRelayFailed   = "relay.failed"
)

// UserCreatedEvent is published when a user is first bound to a forum topic.
type UserCreatedEvent struct {
	UserID   int64
	TopicID  int
	Username string
}

// AIModeChangedEvent is published when a user's AI auto-reply flag flips.
type AIModeChangedEvent struct {
	UserID  int64
	Enabled bool
	// Actor is the Telegram id of the staff member who pressed the button, or 0.
	Actor int64
}

// TagsChangedEvent is published after a tag mutation is persisted.
type TagsChangedEvent struct {
	Username string
	Tag      string
	Action   string // "add", "remove", "reconcile"
	Pending  bool   // true when the tag sits on a handle with no known user id
}

// RelayFailedEvent is published when an outbound transport call fails.
type RelayFailedEvent struct {
	UserID    int64
	TopicID   int
	Operation string
	Error     string
}
