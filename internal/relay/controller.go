package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-relay/internal/audit"
	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/history"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/registry"
	"github.com/basket/go-relay/internal/shared"
	"github.com/basket/go-relay/internal/tags"
)

// Registry is the mapping surface the controller routes against.
type Registry interface {
	ResolveOrCreate(ctx context.Context, userID int64, meta registry.UserMeta, allocate registry.Allocator) (int, bool, error)
	ChannelIDFor(userID int64) (int, bool)
	UserIDForChannel(channelID int) (int64, bool)
	SetAIMode(userID int64, enabled bool, actor int64) bool
	IsAIModeEnabled(userID int64) bool
}

// Replier produces AI replies.
type Replier interface {
	GenerateReply(ctx context.Context, userID int64, text string) (string, bool)
}

// Recorder appends conversation turns.
type Recorder interface {
	Append(userID int64, role history.Role, text string) bool
}

// TagLedger serves /tag commands.
type TagLedger interface {
	AddTag(username, tag string) tags.Result
	RemoveTag(username, tag string) tags.Result
	ListTags(username string) tags.Result
}

// Config wires the controller.
type Config struct {
	SupportGroupID int64
	// BotName is the persona name shown in the AI banner.
	BotName string

	Transport Transport
	Registry  Registry
	Replier   Replier
	History   Recorder
	Tags      TagLedger

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Bus     *bus.Bus
}

// Controller routes inbound events between users and the support group. It
// holds no conversation state; everything lives in the registry and history.
type Controller struct {
	groupID   int64
	transport Transport
	registry  Registry
	replier   Replier
	history   Recorder
	tags      TagLedger
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otel.Metrics
	bus       *bus.Bus

	botID   int64
	botName string
}

// NewController builds a controller. Transport may be nil until SetTransport.
func NewController(cfg Config) *Controller {
	c := &Controller{
		groupID:   cfg.SupportGroupID,
		transport: cfg.Transport,
		registry:  cfg.Registry,
		replier:   cfg.Replier,
		history:   cfg.History,
		tags:      cfg.Tags,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		botName:   cfg.BotName,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "relay")
	if c.tracer == nil {
		c.tracer = otel.NopTracer()
	}
	if c.metrics == nil {
		c.metrics = otel.NopMetrics()
	}
	if c.botName == "" {
		c.botName = "Support"
	}
	return c
}

// SetTransport binds the outbound side once the bot has identified itself.
func (c *Controller) SetTransport(t Transport, botID int64) {
	c.transport = t
	c.botID = botID
}

// Handle routes one inbound event. Failures are logged, never returned.
func (c *Controller) Handle(ctx context.Context, ev any) {
	start := time.Now()
	kind := Kind(ev)
	if id := c.eventUserID(ev); id != 0 {
		ctx = shared.WithUserID(ctx, id)
	}
	ctx, span := otel.StartSpan(ctx, c.tracer, "relay."+kind, otel.AttrEventKind.String(kind))
	defer func() {
		span.End()
		c.metrics.EventDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("kind", kind)))
	}()

	switch e := ev.(type) {
	case PrivateMessage:
		c.HandlePrivateMessage(ctx, e)
	case AdminReply:
		c.HandleAdminReply(ctx, e)
	case ToggleCallback:
		c.HandleToggle(ctx, e)
	case TagCommand:
		c.HandleTagCommand(ctx, e)
	case StartCommand:
		c.HandleStart(ctx, e)
	default:
		c.logger.WarnContext(ctx, "unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

// LaneKey returns the ordering key for an event. Events about the same user
// share a key whichever side they come from.
func (c *Controller) LaneKey(ev any) string {
	if id := c.eventUserID(ev); id != 0 {
		return userKey(id)
	}
	switch e := ev.(type) {
	case ToggleCallback:
		return "callback"
	case AdminReply:
		return topicKey(e.TopicID)
	case TagCommand:
		return "tags"
	default:
		return "misc"
	}
}

// eventUserID names the end user an event concerns, 0 when unknown.
func (c *Controller) eventUserID(ev any) int64 {
	switch e := ev.(type) {
	case PrivateMessage:
		return e.From.ID
	case StartCommand:
		return e.Message.From.ID
	case ToggleCallback:
		if id, _, err := ParseToggleData(e.Data); err == nil {
			return id
		}
	case AdminReply:
		if id, ok := c.registry.UserIDForChannel(e.TopicID); ok {
			return id
		}
	}
	return 0
}

// HandlePrivateMessage relays a user's message into their topic and, with AI
// mode on, answers with a generated reply plus a copy for staff.
func (c *Controller) HandlePrivateMessage(ctx context.Context, m PrivateMessage) {
	if c.fromBot(m.From) {
		c.logger.DebugContext(ctx, "ignoring message from bot itself in private chat")
		return
	}
	topicID, _, ok := c.relayInbound(ctx, m)
	if !ok {
		return
	}

	userID := m.From.ID
	if !c.registry.IsAIModeEnabled(userID) {
		c.logger.InfoContext(ctx, "ai mode disabled, not generating reply", "user_id", userID)
		return
	}
	reply, ok := c.replier.GenerateReply(ctx, userID, m.Text)
	if !ok {
		return
	}
	c.deliverAIReply(ctx, userID, m.ChatID, topicID, reply)
}

// HandleStart greets the user. A first-time /start also opens the topic and
// shows the welcome banner.
func (c *Controller) HandleStart(ctx context.Context, s StartCommand) {
	m := s.Message
	if c.fromBot(m.From) {
		return
	}
	_, isNew, ok := c.relayInbound(ctx, m)
	if !ok {
		return
	}
	if _, err := c.transport.Send(ctx, Outgoing{ChatID: m.ChatID, Text: greeting(m.From.FirstName)}); err != nil {
		c.transportFailed(ctx, "send_greeting", m.From.ID, 0, err)
	}
	if isNew {
		if _, err := c.transport.Send(ctx, Outgoing{ChatID: m.ChatID, Text: welcomeBanner(c.botName), ParseMode: ParseModeMarkdown}); err != nil {
			c.transportFailed(ctx, "send_welcome", m.From.ID, 0, err)
		}
	}
}

// relayInbound resolves the user's topic and forwards the message into it.
// On failure the user gets a best-effort apology and ok is false.
func (c *Controller) relayInbound(ctx context.Context, m PrivateMessage) (topicID int, isNew bool, ok bool) {
	logger := c.logger.With("user_id", m.From.ID)
	if err := c.transport.Typing(ctx, m.ChatID); err != nil {
		logger.DebugContext(ctx, "typing action failed", "error", err)
	}

	meta := registry.UserMeta{Username: m.From.Username, FirstName: m.From.FirstName, LastName: m.From.LastName}
	title := TopicTitle(m.From)
	topicID, isNew, err := c.registry.ResolveOrCreate(ctx, m.From.ID, meta, func(ctx context.Context) (int, error) {
		logger.InfoContext(ctx, "first message from new user, creating topic", "username", m.From.Username)
		return c.transport.CreateTopic(ctx, c.groupID, title)
	})
	if err != nil {
		c.transportFailed(ctx, "create_topic", m.From.ID, 0, err)
		c.apologize(ctx, m, "Sorry, there was an error setting up your chat. Please try sending your message again.")
		return 0, false, false
	}
	if isNew {
		c.metrics.TopicsCreated.Add(ctx, 1)
		logger.InfoContext(ctx, "created topic for user", "topic_id", topicID, "title", title)
	}

	err = c.transport.Forward(ctx, Forward{ToChatID: c.groupID, TopicID: topicID, FromChatID: m.ChatID, MessageID: m.MessageID})
	if err != nil {
		c.transportFailed(ctx, "forward_to_topic", m.From.ID, topicID, err)
		msg := "Sorry, there was an error processing your message. Please try again."
		if isNew {
			msg = "Sorry, there was an error setting up your chat. Please try sending your message again."
		}
		c.apologize(ctx, m, msg)
		return topicID, isNew, false
	}
	c.metrics.MessagesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "inbound")))
	logger.InfoContext(ctx, "relayed message to topic", "topic_id", topicID)
	return topicID, isNew, true
}

func (c *Controller) deliverAIReply(ctx context.Context, userID, chatID int64, topicID int, reply string) {
	_, err := c.transport.Send(ctx, Outgoing{ChatID: chatID, Text: aiBanner(c.botName, reply), ParseMode: ParseModeMarkdown})
	if err == nil {
		c.logger.InfoContext(ctx, "sent ai reply to user", "user_id", userID)
		_, err = c.transport.Send(ctx, Outgoing{
			ChatID:    c.groupID,
			TopicID:   topicID,
			Text:      aiCopy(reply),
			ParseMode: ParseModeMarkdownV2,
			Buttons:   ToggleKeyboard(userID, true),
		})
	}
	if err != nil {
		c.transportFailed(ctx, "deliver_ai_reply", userID, topicID, err)
		notice := EscapeMarkdownV2(fmt.Sprintf("⚠️ Error sending AI reply to user %d or posting copy here.", userID)) +
			"\n`" + EscapeMarkdownV2(err.Error()) + "`"
		if _, nerr := c.transport.Send(ctx, Outgoing{ChatID: c.groupID, TopicID: topicID, Text: notice, ParseMode: ParseModeMarkdownV2}); nerr != nil {
			c.logger.ErrorContext(ctx, "failed to post delivery error notice", "topic_id", topicID, "error", nerr)
		}
		return
	}
	c.metrics.AIReplies.Add(ctx, 1)
	c.logger.InfoContext(ctx, "posted ai reply copy and controls", "topic_id", topicID)
}

// HandleAdminReply relays a staff message from a topic back to its user.
func (c *Controller) HandleAdminReply(ctx context.Context, r AdminReply) {
	if r.ChatID != c.groupID || !r.IsTopic || r.TopicID == 0 || c.fromBot(r.From) {
		return
	}
	if q := r.ReplyTo; q != nil && q.FromID == c.botID && q.HasButtons && strings.Contains(q.Text, aiCopyMarker) {
		c.logger.InfoContext(ctx, "ignoring reply to ai control message", "topic_id", r.TopicID)
		return
	}

	logger := c.logger.With("topic_id", r.TopicID, "admin_id", r.From.ID)
	userID, ok := c.registry.UserIDForChannel(r.TopicID)
	if !ok {
		logger.WarnContext(ctx, "reply in topic with no associated user")
		return
	}
	if r.Text != "" {
		c.history.Append(userID, history.RoleAssistant, r.Text)
	}

	err := c.transport.Forward(ctx, Forward{ToChatID: userID, FromChatID: c.groupID, MessageID: r.MessageID})
	if err != nil {
		c.transportFailed(ctx, "forward_to_user", userID, r.TopicID, err)
		notice := EscapeMarkdownV2("⚠️ Error: Could not forward message to user ") + "`" + strconv.FormatInt(userID, 10) + "`" +
			EscapeMarkdownV2(". Reason: ") + "`" + EscapeMarkdownV2(err.Error()) + "`"
		if _, nerr := c.transport.Send(ctx, Outgoing{ChatID: c.groupID, TopicID: r.TopicID, Text: notice, ParseMode: ParseModeMarkdownV2, ReplyTo: r.MessageID}); nerr != nil {
			logger.ErrorContext(ctx, "failed to post forward error notice", "error", nerr)
		}
		return
	}
	c.metrics.MessagesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", "outbound")))
	logger.InfoContext(ctx, "relayed staff reply to user", "user_id", userID)
}

// HandleToggle flips a user's AI mode from the inline button and redraws it.
// The callback is answered exactly once.
func (c *Controller) HandleToggle(ctx context.Context, cb ToggleCallback) {
	answer := c.toggle(ctx, cb)
	if err := c.transport.AnswerCallback(ctx, cb.ID, answer); err != nil {
		c.logger.WarnContext(ctx, "failed to answer callback query", "error", err)
	}
}

func (c *Controller) toggle(ctx context.Context, cb ToggleCallback) string {
	userID, enable, err := ParseToggleData(cb.Data)
	if err != nil {
		c.logger.ErrorContext(ctx, "bad toggle callback data", "data", cb.Data, "error", err)
		switch {
		case errors.Is(err, ErrToggleUserID):
			return "Error: Could not parse button data."
		case errors.Is(err, ErrToggleAction):
			return "Error: Unknown action."
		default:
			return "Error: Invalid button data."
		}
	}

	logger := c.logger.With("user_id", userID, "actor", cb.From.ID, "enable", enable)
	c.metrics.AIModeToggles.Add(ctx, 1)
	if !c.registry.SetAIMode(userID, enable, cb.From.ID) {
		logger.ErrorContext(ctx, "ai mode toggle for unknown user")
		audit.Record(ctx, audit.Entry{Action: "aimode.toggle", Actor: cb.From.ID, Subject: userKey(userID), Outcome: audit.OutcomeRejected, Detail: "unknown user"})
		return "Error: Could not update AI mode status."
	}
	audit.Record(ctx, audit.Entry{Action: "aimode.toggle", Actor: cb.From.ID, Subject: userKey(userID), Outcome: audit.OutcomeOK, Detail: onOff(enable)})
	logger.InfoContext(ctx, "ai mode toggled via button")

	err = c.transport.EditButtons(ctx, cb.ChatID, cb.MessageID, ToggleKeyboard(userID, enable))
	switch {
	case err == nil:
		return ""
	case IsNotModified(err):
		logger.WarnContext(ctx, "toggle button already in desired state")
		if enable {
			return "AI Mode already Enabled"
		}
		return "AI Mode already Disabled"
	default:
		c.transportFailed(ctx, "edit_buttons", userID, 0, err)
		return "Error updating button state."
	}
}

// HandleTagCommand executes /tag add|remove|list in the support group.
func (c *Controller) HandleTagCommand(ctx context.Context, cmd TagCommand) {
	if cmd.ChatID != c.groupID {
		c.logger.WarnContext(ctx, "tag command outside support group", "chat_id", cmd.ChatID, "from", cmd.From.ID)
		return
	}
	c.metrics.TagCommands.Add(ctx, 1)

	reply := tagUsage
	args := strings.Fields(cmd.Text)
	if len(args) >= 2 {
		action := strings.ToLower(args[1])
		var res tags.Result
		handled := true
		switch {
		case action == "add" && len(args) >= 4:
			res = c.tags.AddTag(args[2], args[3])
		case action == "remove" && len(args) >= 4:
			res = c.tags.RemoveTag(args[2], args[3])
		case action == "list" && len(args) >= 3:
			res = c.tags.ListTags(args[2])
		default:
			handled = false
		}
		if handled {
			reply = res.Message
			if action != "list" {
				outcome := audit.OutcomeOK
				if !res.OK() {
					outcome = audit.OutcomeRejected
				}
				audit.Record(ctx, audit.Entry{Action: "tag." + action, Actor: cmd.From.ID, Subject: "@" + tags.Normalize(args[2]), Outcome: outcome, Detail: args[3] + " " + string(res.Code)})
			}
		}
	}

	if _, err := c.transport.Send(ctx, Outgoing{ChatID: c.groupID, TopicID: cmd.TopicID, Text: reply, ReplyTo: cmd.MessageID}); err != nil {
		c.transportFailed(ctx, "tag_reply", 0, cmd.TopicID, err)
	}
}

func (c *Controller) fromBot(s Sender) bool {
	return c.botID != 0 && s.ID == c.botID
}

func (c *Controller) apologize(ctx context.Context, m PrivateMessage, text string) {
	if _, err := c.transport.Send(ctx, Outgoing{ChatID: m.ChatID, Text: text, ReplyTo: m.MessageID}); err != nil {
		c.logger.ErrorContext(ctx, "failed to notify user about relay error", "user_id", m.From.ID, "error", err)
	}
}

func (c *Controller) transportFailed(ctx context.Context, op string, userID int64, topicID int, err error) {
	c.logger.ErrorContext(ctx, "transport call failed", "operation", op, "user_id", userID, "topic_id", topicID, "error", err)
	c.metrics.TransportFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
	c.bus.Publish(bus.TopicRelayFailed, bus.RelayFailedEvent{UserID: userID, TopicID: topicID, Operation: op, Error: err.Error()})
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
