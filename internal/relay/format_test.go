package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestTopicTitle(t *testing.T) {
	tests := []struct {
		s    Sender
		want string
	}{
		{Sender{ID: 1, FirstName: "Alice", Username: "alice"}, "User: Alice (@alice)"},
		{Sender{ID: 2, FirstName: "Bob", LastName: "Stone"}, "User: Bob Stone (ID:2)"},
	}
	for _, tt := range tests {
		if got := TopicTitle(tt.s); got != tt.want {
			t.Fatalf("TopicTitle(%#v) = %q, want %q", tt.s, got, tt.want)
		}
	}
	long := TopicTitle(Sender{ID: 3, FirstName: strings.Repeat("é", 200)})
	if n := len([]rune(long)); n != 120 {
		t.Fatalf("title length = %d runes, want 120", n)
	}
}

func TestParseToggleData(t *testing.T) {
	tests := []struct {
		data   string
		id     int64
		enable bool
		err    error
	}{
		{"aimode_toggle_111_enable", 111, true, nil},
		{"aimode_toggle_111_disable", 111, false, nil},
		{"aimode_toggle_111", 0, false, ErrToggleFormat},
		{"other_toggle_111_enable", 0, false, ErrToggleFormat},
		{"aimode_toggle_x_enable", 0, false, ErrToggleUserID},
		{"aimode_toggle_111_on", 0, false, ErrToggleAction},
	}
	for _, tt := range tests {
		id, enable, err := ParseToggleData(tt.data)
		if !errors.Is(err, tt.err) || id != tt.id || enable != tt.enable {
			t.Fatalf("ParseToggleData(%q) = (%d, %v, %v)", tt.data, id, enable, err)
		}
	}
	if id, enable, err := ParseToggleData(ToggleData(-5, true)); err != nil || id != -5 || !enable {
		t.Fatalf("ToggleData does not parse back: (%d, %v, %v)", id, enable, err)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	got := EscapeMarkdownV2(`a_b*c[d](e)~f` + "`" + `>#+-=|{}.!\`)
	want := `a\_b\*c\[d\]\(e\)\~f\` + "`" + `\>\#\+\-\=\|\{\}\.\!\\`
	if got != want {
		t.Fatalf("EscapeMarkdownV2 = %q, want %q", got, want)
	}
	if EscapeMarkdownV2("plain text") != "plain text" {
		t.Fatalf("plain text should be unchanged")
	}
}

func TestIsNotModified(t *testing.T) {
	if !IsNotModified(ErrNotModified) || !IsNotModified(errors.New("Bad Request: message is not modified: x")) {
		t.Fatalf("expected not-modified")
	}
	if IsNotModified(nil) || IsNotModified(errors.New("chat not found")) {
		t.Fatalf("unexpected not-modified")
	}
}
