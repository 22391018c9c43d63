package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxTopicTitleRunes = 120
	togglePrefix       = "aimode_toggle_"

	disableButtonText = "🔴 Disable AI Auto-Reply"
	enableButtonText  = "🟢 Enable AI Auto-Reply"

	// aiCopyMarker identifies the bot's AI control message in a topic.
	aiCopyMarker = "AI Response"

	tagUsage = "Usage:\n/tag add username tag\n/tag remove username tag\n/tag list username"
)

// Toggle callback parse failures, each answered with its own text.
var (
	ErrToggleFormat = errors.New("relay: invalid toggle data")
	ErrToggleUserID = errors.New("relay: toggle user id not an integer")
	ErrToggleAction = errors.New("relay: unknown toggle action")
)

// TopicTitle names a user's forum topic: "User: First Last (@handle)", or
// "(ID:<id>)" without a handle, cut to 120 runes.
func TopicTitle(s Sender) string {
	var b strings.Builder
	b.WriteString("User: ")
	b.WriteString(s.FirstName)
	if s.LastName != "" {
		b.WriteString(" ")
		b.WriteString(s.LastName)
	}
	if s.Username != "" {
		fmt.Fprintf(&b, " (@%s)", s.Username)
	} else {
		fmt.Fprintf(&b, " (ID:%d)", s.ID)
	}
	title := []rune(b.String())
	if len(title) > maxTopicTitleRunes {
		title = title[:maxTopicTitleRunes]
	}
	return string(title)
}

// ToggleData encodes the callback payload for the button that moves the user
// to enable.
func ToggleData(userID int64, enable bool) string {
	action := "disable"
	if enable {
		action = "enable"
	}
	return togglePrefix + strconv.FormatInt(userID, 10) + "_" + action
}

// ParseToggleData decodes aimode_toggle_<userId>_<enable|disable>.
func ParseToggleData(data string) (int64, bool, error) {
	parts := strings.Split(data, "_")
	if len(parts) != 4 || parts[0] != "aimode" || parts[1] != "toggle" {
		return 0, false, fmt.Errorf("%w: %q", ErrToggleFormat, data)
	}
	userID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %q", ErrToggleUserID, parts[2])
	}
	switch parts[3] {
	case "enable":
		return userID, true, nil
	case "disable":
		return userID, false, nil
	default:
		return 0, false, fmt.Errorf("%w: %q", ErrToggleAction, parts[3])
	}
}

// ToggleKeyboard is the single-button keyboard shown under an AI reply copy.
// With AI on the button offers to disable it, and the reverse.
func ToggleKeyboard(userID int64, aiEnabled bool) []Button {
	if aiEnabled {
		return []Button{{Text: disableButtonText, Data: ToggleData(userID, false)}}
	}
	return []Button{{Text: enableButtonText, Data: ToggleData(userID, true)}}
}

const markdownV2Reserved = "_*[]()~`>#+-=|{}.!\\"

// EscapeMarkdownV2 escapes every MarkdownV2 reserved character.
func EscapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func aiBanner(name, reply string) string {
	return "```\n✨ " + name + " is Taking Over```\n" + reply
}

func aiCopy(reply string) string {
	return EscapeMarkdownV2("🤖 *" + aiCopyMarker + ":*\n---\n" + reply + "\n---")
}

func welcomeBanner(name string) string {
	return aiBanner(name, fmt.Sprintf("Hello! I'm %s. Your message has reached our team and we will reply soon.", name))
}

func greeting(firstName string) string {
	return fmt.Sprintf("Hi %s! What is on your mind? I will forward your message to the Admin.", firstName)
}
