package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-relay/internal/relay"
)

const (
	defaultPollTimeout = 50 * time.Second
	maxBackoff         = 30 * time.Second
	togglePrefix       = "aimode_toggle_"
)

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Token          string
	SupportGroupID int64
	// PollTimeout is the getUpdates long-poll duration.
	PollTimeout time.Duration
	// Endpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	Endpoint   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TelegramChannel is the Telegram Bot API side of the relay. It polls for
// updates, decodes them into relay events, and implements relay.Transport.
type TelegramChannel struct {
	token       string
	groupID     int64
	pollTimeout time.Duration
	// stallTimeout bounds one getUpdates call before the poll is restarted.
	stallTimeout time.Duration
	endpoint     string
	client       *ctxClient
	logger       *slog.Logger

	bot    *tgbotapi.BotAPI
	router Router
	queue  Submitter

	mu     sync.Mutex
	offset int
	// stale is the result channel of a getUpdates call abandoned by a stall.
	stale chan updateBatch
}

// NewTelegramChannel creates an unconnected channel.
func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.PollTimeout + 15*time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TelegramChannel{
		token:        cfg.Token,
		groupID:      cfg.SupportGroupID,
		pollTimeout:  cfg.PollTimeout,
		stallTimeout: 2*cfg.PollTimeout + 10*time.Second,
		endpoint:     cfg.Endpoint,
		client:       &ctxClient{http: cfg.HTTPClient, ctx: context.Background()},
		logger:       cfg.Logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Connect authenticates with getMe and checks the bot's standing in the
// support group. It returns the bot's own user id. ctx bounds every later API
// call made through this channel.
func (t *TelegramChannel) Connect(ctx context.Context) (int64, error) {
	t.client.bind(ctx)
	bot, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, t.client)
	if err != nil {
		return 0, fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName, "bot_id", bot.Self.ID)

	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: t.groupID, UserID: bot.Self.ID},
	})
	switch {
	case err != nil:
		t.logger.Warn("could not verify bot membership in support group", "group_id", t.groupID, "error", err)
	case member.IsAdministrator() || member.IsCreator():
		t.logger.Info("bot is an administrator of the support group", "group_id", t.groupID)
	case member.HasLeft() || member.WasKicked():
		t.logger.Error("bot is not a member of the support group", "group_id", t.groupID, "status", member.Status)
	default:
		t.logger.Warn("bot is not an administrator of the support group; topic creation will fail", "group_id", t.groupID, "status", member.Status)
	}
	return bot.Self.ID, nil
}

// Bind sets where decoded events go. It must be called before Start.
func (t *TelegramChannel) Bind(router Router, queue Submitter) {
	t.router = router
	t.queue = queue
}

// Start long-polls getUpdates until ctx is cancelled, reconnecting with
// exponential backoff after failures.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot == nil {
		return errors.New("telegram: Start before Connect")
	}
	if t.router == nil || t.queue == nil {
		return errors.New("telegram: Start before Bind")
	}

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := t.pollUpdates(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates fetches batches until ctx is done or a request fails. A poll that
// does not return within twice the long-poll timeout counts as a stall.
func (t *TelegramChannel) pollUpdates(ctx context.Context) error {
	stallTimeout := t.stallTimeout
	for {
		if err := t.awaitStale(ctx); err != nil {
			return nil
		}
		result := make(chan updateBatch, 1)
		go func() {
			u, err := t.fetch()
			result <- updateBatch{u, err}
		}()

		timer := time.NewTimer(stallTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			t.stale = result
			return fmt.Errorf("no response from getUpdates for %v (possible disconnect)", stallTimeout)
		case b := <-result:
			timer.Stop()
			if b.err != nil {
				return b.err
			}
			for _, u := range b.updates {
				t.advance(u.UpdateID)
				t.deliver(u)
			}
		}
	}
}

type updateBatch struct {
	updates []rawUpdate
	err     error
}

// awaitStale waits out a getUpdates call abandoned by a stall so two polls
// never overlap. Its updates are dropped unacknowledged and fetched again.
func (t *TelegramChannel) awaitStale(ctx context.Context) error {
	if t.stale == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stale:
		t.stale = nil
		return nil
	}
}

func (t *TelegramChannel) advance(updateID int) {
	t.mu.Lock()
	if updateID >= t.offset {
		t.offset = updateID + 1
	}
	t.mu.Unlock()
}

func (t *TelegramChannel) fetch() ([]rawUpdate, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", int(t.pollTimeout/time.Second))
	if err := params.AddInterface("allowed_updates", []string{"message", "callback_query"}); err != nil {
		return nil, err
	}
	resp, err := t.bot.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []rawUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

func (t *TelegramChannel) deliver(u rawUpdate) {
	ev, ok := classify(u, t.groupID)
	if !ok {
		return
	}
	kind := relay.Kind(ev)
	key := t.router.LaneKey(ev)
	if err := t.queue.Submit(key, kind, func(ctx context.Context) { t.router.Handle(ctx, ev) }); err != nil {
		t.logger.Warn("dropping update", "update_id", u.UpdateID, "kind", kind, "error", err)
	}
}

// rawMessage adds the forum fields the library's Message type lacks.
type rawMessage struct {
	tgbotapi.Message
	MessageThreadID int         `json:"message_thread_id"`
	IsTopicMessage  bool        `json:"is_topic_message"`
	ReplyToMessage  *rawMessage `json:"reply_to_message"`
}

type rawUpdate struct {
	UpdateID      int                     `json:"update_id"`
	Message       *rawMessage             `json:"message"`
	CallbackQuery *tgbotapi.CallbackQuery `json:"callback_query"`
}

// classify turns an update into a relay event. Updates the relay does not
// act on report false.
func classify(u rawUpdate, groupID int64) (any, bool) {
	if q := u.CallbackQuery; q != nil {
		if q.From == nil || !strings.HasPrefix(q.Data, togglePrefix) {
			return nil, false
		}
		cb := relay.ToggleCallback{ID: q.ID, From: sender(q.From), Data: q.Data}
		if q.Message != nil {
			cb.MessageID = q.Message.MessageID
			if q.Message.Chat != nil {
				cb.ChatID = q.Message.Chat.ID
			}
		}
		return cb, true
	}

	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return nil, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	if m.Chat.IsPrivate() {
		pm := relay.PrivateMessage{From: sender(m.From), ChatID: m.Chat.ID, MessageID: m.MessageID, Text: text}
		if m.IsCommand() {
			if m.Command() == "start" {
				return relay.StartCommand{Message: pm}, true
			}
			return nil, false
		}
		return pm, true
	}

	if m.IsCommand() {
		if m.Command() != "tag" {
			return nil, false
		}
		return relay.TagCommand{ChatID: m.Chat.ID, TopicID: m.MessageThreadID, MessageID: m.MessageID, From: sender(m.From), Text: m.Text}, true
	}
	if m.Chat.ID != groupID {
		return nil, false
	}
	reply := relay.AdminReply{
		ChatID:    m.Chat.ID,
		TopicID:   m.MessageThreadID,
		IsTopic:   m.IsTopicMessage,
		From:      sender(m.From),
		MessageID: m.MessageID,
		Text:      text,
	}
	if r := m.ReplyToMessage; r != nil {
		q := &relay.RepliedMessage{Text: r.Text, HasButtons: r.ReplyMarkup != nil && len(r.ReplyMarkup.InlineKeyboard) > 0}
		if q.Text == "" {
			q.Text = r.Caption
		}
		if r.From != nil {
			q.FromID = r.From.ID
		}
		reply.ReplyTo = q
	}
	return reply, true
}

func sender(u *tgbotapi.User) relay.Sender {
	return relay.Sender{ID: u.ID, Username: u.UserName, FirstName: u.FirstName, LastName: u.LastName, IsBot: u.IsBot}
}

// ctxClient binds every API request to the channel's lifetime context so
// shutdown aborts an in-flight long poll.
type ctxClient struct {
	http *http.Client
	mu   sync.Mutex
	ctx  context.Context
}

func (c *ctxClient) bind(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	return c.http.Do(req.WithContext(ctx))
}
