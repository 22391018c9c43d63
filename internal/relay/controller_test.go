package relay

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basket/go-relay/internal/history"
	"github.com/basket/go-relay/internal/registry"
	"github.com/basket/go-relay/internal/shared"
	"github.com/basket/go-relay/internal/tags"
)

const (
	testGroup int64 = -1001
	testBot   int64 = 42
)

type fakeTransport struct {
	mu        sync.Mutex
	nextTopic int
	topics    []string
	forwards  []Forward
	sent      []Outgoing
	edits     [][]Button
	answers   []string
	typing    int

	createErr  error
	forwardErr error
	sendErr    func(Outgoing) error
	editErr    error
}

func (f *fakeTransport) CreateTopic(_ context.Context, _ int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextTopic++
	f.topics = append(f.topics, name)
	return 500 + f.nextTopic, nil
}

func (f *fakeTransport) Forward(_ context.Context, fw Forward) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwardErr != nil {
		return f.forwardErr
	}
	f.forwards = append(f.forwards, fw)
	return nil
}

func (f *fakeTransport) Send(_ context.Context, m Outgoing) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		if err := f.sendErr(m); err != nil {
			return 0, err
		}
	}
	f.sent = append(f.sent, m)
	return len(f.sent), nil
}

func (f *fakeTransport) EditButtons(_ context.Context, _ int64, _ int, buttons []Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, buttons)
	return nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTransport) Typing(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

type fakeReplier struct {
	reply   string
	ok      bool
	calls   int
	ctxUser int64
}

func (r *fakeReplier) GenerateReply(ctx context.Context, _ int64, _ string) (string, bool) {
	r.calls++
	r.ctxUser = shared.UserID(ctx)
	return r.reply, r.ok
}

type env struct {
	tr   *fakeTransport
	reg  *registry.Registry
	ring *history.Ring
	rep  *fakeReplier
	c    *Controller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	reg, _ := registry.Open(filepath.Join(dir, "user_topic_map.json"), testGroup, nil, nil)
	ring, _ := history.Open(filepath.Join(dir, "conversation_history.json"), nil)
	tr := &fakeTransport{}
	rep := &fakeReplier{reply: "hi there", ok: true}
	c := NewController(Config{
		SupportGroupID: testGroup,
		BotName:        "Infinity",
		Registry:       reg,
		Replier:        rep,
		History:        ring,
		Tags:           tags.NewLedger(reg, nil, nil),
	})
	c.SetTransport(tr, testBot)
	return &env{tr: tr, reg: reg, ring: ring, rep: rep, c: c}
}

func alice() Sender { return Sender{ID: 111, Username: "alice", FirstName: "Alice"} }

func TestPrivateMessage_NewUserCreatesTopicForwardsAndReplies(t *testing.T) {
	e := newEnv(t)
	e.c.Handle(context.Background(), PrivateMessage{From: alice(), ChatID: 111, MessageID: 7, Text: "hello"})

	if len(e.tr.topics) != 1 || e.tr.topics[0] != "User: Alice (@alice)" {
		t.Fatalf("topics = %v", e.tr.topics)
	}
	topicID, ok := e.reg.ChannelIDFor(111)
	if !ok || topicID != 501 {
		t.Fatalf("mapping = (%d, %v)", topicID, ok)
	}
	want := Forward{ToChatID: testGroup, TopicID: 501, FromChatID: 111, MessageID: 7}
	if len(e.tr.forwards) != 1 || e.tr.forwards[0] != want {
		t.Fatalf("forwards = %#v", e.tr.forwards)
	}
	if len(e.tr.sent) != 2 {
		t.Fatalf("expected reply and staff copy, got %d sends", len(e.tr.sent))
	}
	toUser, copyMsg := e.tr.sent[0], e.tr.sent[1]
	if toUser.ChatID != 111 || toUser.ParseMode != ParseModeMarkdown || !strings.HasSuffix(toUser.Text, "hi there") || !strings.Contains(toUser.Text, "Infinity is Taking Over") {
		t.Fatalf("user reply = %#v", toUser)
	}
	if copyMsg.ChatID != testGroup || copyMsg.TopicID != 501 || copyMsg.ParseMode != ParseModeMarkdownV2 {
		t.Fatalf("staff copy = %#v", copyMsg)
	}
	if len(copyMsg.Buttons) != 1 || copyMsg.Buttons[0].Data != "aimode_toggle_111_disable" {
		t.Fatalf("copy buttons = %#v", copyMsg.Buttons)
	}
}

func TestPrivateMessage_KnownUserReusesTopic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "one"})
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 2, Text: "two"})
	if len(e.tr.topics) != 1 || len(e.tr.forwards) != 2 || e.tr.forwards[1].TopicID != 501 {
		t.Fatalf("topics=%v forwards=%#v", e.tr.topics, e.tr.forwards)
	}
}

func TestPrivateMessage_AIDisabledOnlyForwards(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "one"})
	e.reg.SetAIMode(111, false, 9)
	before := e.rep.calls
	e.tr.sent = nil

	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 2, Text: "two"})
	if e.rep.calls != before || len(e.tr.sent) != 0 {
		t.Fatalf("replier calls=%d sends=%d", e.rep.calls-before, len(e.tr.sent))
	}
	if len(e.tr.forwards) != 2 {
		t.Fatalf("message should still be forwarded")
	}
}

func TestPrivateMessage_FromBotIgnored(t *testing.T) {
	e := newEnv(t)
	e.c.Handle(context.Background(), PrivateMessage{From: Sender{ID: testBot}, ChatID: testBot, MessageID: 1, Text: "x"})
	if e.tr.typing != 0 || len(e.tr.topics) != 0 {
		t.Fatalf("bot message should be ignored")
	}
}

func TestPrivateMessage_FailuresApologize(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeTransport)
		apolog string
		mapped bool
	}{
		{
			name:   "topic creation",
			setup:  func(f *fakeTransport) { f.createErr = errors.New("not enough rights") },
			apolog: "Sorry, there was an error setting up your chat. Please try sending your message again.",
		},
		{
			name:   "forward for new user",
			setup:  func(f *fakeTransport) { f.forwardErr = errors.New("chat not found") },
			apolog: "Sorry, there was an error setting up your chat. Please try sending your message again.",
			mapped: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(e.tr)
			e.c.Handle(context.Background(), PrivateMessage{From: alice(), ChatID: 111, MessageID: 3, Text: "hi"})
			if len(e.tr.sent) != 1 || e.tr.sent[0].Text != tt.apolog || e.tr.sent[0].ReplyTo != 3 {
				t.Fatalf("sent = %#v", e.tr.sent)
			}
			if _, ok := e.reg.ChannelIDFor(111); ok != tt.mapped {
				t.Fatalf("mapping present = %v, want %v", ok, tt.mapped)
			}
			if e.rep.calls != 0 {
				t.Fatalf("no AI reply expected after failure")
			}
		})
	}
}

func TestPrivateMessage_ForwardFailureForKnownUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "one"})
	e.tr.sent = nil
	e.tr.forwardErr = errors.New("Bad Request")

	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 2, Text: "two"})
	if len(e.tr.sent) != 1 || e.tr.sent[0].Text != "Sorry, there was an error processing your message. Please try again." {
		t.Fatalf("sent = %#v", e.tr.sent)
	}
}

func TestPrivateMessage_CopyFailurePostsNotice(t *testing.T) {
	e := newEnv(t)
	e.tr.sendErr = func(m Outgoing) error {
		if len(m.Buttons) > 0 {
			return errors.New("can't parse entities")
		}
		return nil
	}
	e.c.Handle(context.Background(), PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	last := e.tr.sent[len(e.tr.sent)-1]
	if last.ChatID != testGroup || last.TopicID != 501 || !strings.Contains(last.Text, "Error sending AI reply to user 111") {
		t.Fatalf("notice = %#v", last)
	}
	if !strings.Contains(last.Text, "or posting copy here\\.") {
		t.Fatalf("notice text should be escaped: %q", last.Text)
	}
}

func TestStart_NewUserGetsGreetingAndBanner(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, StartCommand{Message: PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "/start"}})

	if len(e.tr.topics) != 1 || len(e.tr.forwards) != 1 {
		t.Fatalf("start should open and forward: topics=%v forwards=%d", e.tr.topics, len(e.tr.forwards))
	}
	if len(e.tr.sent) != 2 {
		t.Fatalf("sends = %#v", e.tr.sent)
	}
	if e.tr.sent[0].Text != "Hi Alice! What is on your mind? I will forward your message to the Admin." || e.tr.sent[0].ParseMode != ParseModeNone {
		t.Fatalf("greeting = %#v", e.tr.sent[0])
	}
	if !strings.Contains(e.tr.sent[1].Text, "Infinity is Taking Over") {
		t.Fatalf("banner = %#v", e.tr.sent[1])
	}
	if e.rep.calls != 0 {
		t.Fatalf("start must not trigger an AI reply")
	}

	e.tr.sent = nil
	e.c.Handle(ctx, StartCommand{Message: PrivateMessage{From: alice(), ChatID: 111, MessageID: 2, Text: "/start"}})
	if len(e.tr.sent) != 1 {
		t.Fatalf("returning user should only be greeted, got %d sends", len(e.tr.sent))
	}
}

func TestAdminReply_ForwardsAndRecordsHistory(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	before := e.ring.Len(111)

	e.c.Handle(ctx, AdminReply{ChatID: testGroup, TopicID: 501, IsTopic: true, From: Sender{ID: 9}, MessageID: 77, Text: "we are on it"})

	last := e.tr.forwards[len(e.tr.forwards)-1]
	if last != (Forward{ToChatID: 111, FromChatID: testGroup, MessageID: 77}) {
		t.Fatalf("forward = %#v", last)
	}
	turns := e.ring.Recent(111, 20)
	if e.ring.Len(111) != before+1 || turns[len(turns)-1] != (history.Turn{Role: history.RoleAssistant, Text: "we are on it"}) {
		t.Fatalf("history = %#v", turns)
	}
}

func TestAdminReply_Ignored(t *testing.T) {
	tests := []struct {
		name  string
		reply AdminReply
	}{
		{"other chat", AdminReply{ChatID: -5, TopicID: 501, IsTopic: true, From: Sender{ID: 9}, MessageID: 1, Text: "x"}},
		{"general topic", AdminReply{ChatID: testGroup, IsTopic: false, From: Sender{ID: 9}, MessageID: 1, Text: "x"}},
		{"bot author", AdminReply{ChatID: testGroup, TopicID: 501, IsTopic: true, From: Sender{ID: testBot}, MessageID: 1, Text: "x"}},
		{"unmapped topic", AdminReply{ChatID: testGroup, TopicID: 999, IsTopic: true, From: Sender{ID: 9}, MessageID: 1, Text: "x"}},
		{"reply to control message", AdminReply{
			ChatID: testGroup, TopicID: 501, IsTopic: true, From: Sender{ID: 9}, MessageID: 1, Text: "x",
			ReplyTo: &RepliedMessage{FromID: testBot, HasButtons: true, Text: "🤖 AI Response:\n---\nhi\n---"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
			forwards, turns := len(e.tr.forwards), e.ring.Len(111)

			e.c.Handle(ctx, tt.reply)
			if len(e.tr.forwards) != forwards || e.ring.Len(111) != turns {
				t.Fatalf("reply should be ignored")
			}
		})
	}
}

func TestAdminReply_ForwardFailurePostsNotice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	e.tr.forwardErr = errors.New("bot was blocked by the user")

	e.c.Handle(ctx, AdminReply{ChatID: testGroup, TopicID: 501, IsTopic: true, From: Sender{ID: 9}, MessageID: 80, Text: "ping"})
	last := e.tr.sent[len(e.tr.sent)-1]
	if last.TopicID != 501 || last.ReplyTo != 80 || !strings.Contains(last.Text, "`111`") || !strings.Contains(last.Text, "bot was blocked by the user") {
		t.Fatalf("notice = %#v", last)
	}
}

func TestToggle(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		editErr error
		answer  string
		enabled bool
	}{
		{"disable", "aimode_toggle_111_disable", nil, "", false},
		{"not modified", "aimode_toggle_111_enable", errors.New("Bad Request: message is not modified"), "AI Mode already Enabled", true},
		{"edit failure", "aimode_toggle_111_disable", errors.New("Bad Request: message to edit not found"), "Error updating button state.", false},
		{"unknown user", "aimode_toggle_222_disable", nil, "Error: Could not update AI mode status.", true},
		{"bad format", "aimode_toggle_111", nil, "Error: Invalid button data.", true},
		{"bad user id", "aimode_toggle_abc_disable", nil, "Error: Could not parse button data.", true},
		{"bad action", "aimode_toggle_111_maybe", nil, "Error: Unknown action.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
			e.tr.editErr = tt.editErr

			e.c.Handle(ctx, ToggleCallback{ID: "cb1", From: Sender{ID: 9}, Data: tt.data, ChatID: testGroup, MessageID: 12})
			if len(e.tr.answers) != 1 || e.tr.answers[0] != tt.answer {
				t.Fatalf("answers = %q, want exactly [%q]", e.tr.answers, tt.answer)
			}
			if got := e.reg.IsAIModeEnabled(111); got != tt.enabled {
				t.Fatalf("ai mode = %v, want %v", got, tt.enabled)
			}
		})
	}
}

func TestToggle_RedrawsOppositeButton(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.c.Handle(ctx, PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	e.c.Handle(ctx, ToggleCallback{ID: "cb1", From: Sender{ID: 9}, Data: "aimode_toggle_111_disable", ChatID: testGroup, MessageID: 12})
	if len(e.tr.edits) != 1 || e.tr.edits[0][0].Text != enableButtonText || e.tr.edits[0][0].Data != "aimode_toggle_111_enable" {
		t.Fatalf("edits = %#v", e.tr.edits)
	}
}

func TestTagCommand(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/tag", tagUsage},
		{"/tag add bob", tagUsage},
		{"/tag frobnicate bob vip", tagUsage},
		{"/tag add @bob vip", "Added tag 'vip' to username @bob (user not yet in system)"},
		{"/tag list bob", "Tags for username @bob (user not yet in system): vip"},
		{"/tag remove bob gold", "Tag 'gold' not found for username @bob"},
	}
	e := newEnv(t)
	ctx := context.Background()
	for _, tt := range tests {
		e.tr.sent = nil
		e.c.Handle(ctx, TagCommand{ChatID: testGroup, TopicID: 3, MessageID: 5, From: Sender{ID: 9}, Text: tt.text})
		if len(e.tr.sent) != 1 || e.tr.sent[0].Text != tt.want || e.tr.sent[0].ReplyTo != 5 || e.tr.sent[0].TopicID != 3 {
			t.Fatalf("%q -> %#v, want %q", tt.text, e.tr.sent, tt.want)
		}
	}

	e.tr.sent = nil
	e.c.Handle(ctx, TagCommand{ChatID: -7, From: Sender{ID: 9}, Text: "/tag list bob"})
	if len(e.tr.sent) != 0 {
		t.Fatalf("tag command outside the support group should be ignored")
	}
}

func TestHandle_TagsContextWithUserID(t *testing.T) {
	e := newEnv(t)
	e.c.Handle(context.Background(), PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	if e.rep.ctxUser != alice().ID {
		t.Fatalf("replier saw ctx user %d, want %d", e.rep.ctxUser, alice().ID)
	}
}

func TestLaneKey(t *testing.T) {
	e := newEnv(t)
	e.c.Handle(context.Background(), PrivateMessage{From: alice(), ChatID: 111, MessageID: 1, Text: "hello"})
	tests := []struct {
		ev   any
		want string
	}{
		{PrivateMessage{From: alice()}, "user:111"},
		{StartCommand{Message: PrivateMessage{From: alice()}}, "user:111"},
		{AdminReply{TopicID: 501}, "user:111"},
		{AdminReply{TopicID: 999}, "topic:999"},
		{ToggleCallback{Data: "aimode_toggle_111_enable"}, "user:111"},
		{ToggleCallback{Data: "junk"}, "callback"},
		{TagCommand{}, "tags"},
		{42, "misc"},
	}
	for _, tt := range tests {
		if got := e.c.LaneKey(tt.ev); got != tt.want {
			t.Fatalf("LaneKey(%#v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}
