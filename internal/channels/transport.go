package channels

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-relay/internal/relay"
)

var _ relay.Transport = (*TelegramChannel)(nil)

// CreateTopic opens a forum topic and returns its message_thread_id.
func (t *TelegramChannel) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", chatID)
	params.AddNonEmpty("name", name)
	resp, err := t.call(ctx, "createForumTopic", params)
	if err != nil {
		return 0, err
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil || topic.MessageThreadID == 0 {
		return 0, fmt.Errorf("%w: createForumTopic: no thread id in response", relay.ErrTransport)
	}
	return topic.MessageThreadID, nil
}

func (t *TelegramChannel) Forward(ctx context.Context, f relay.Forward) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", f.ToChatID)
	params.AddNonZero("message_thread_id", f.TopicID)
	params.AddNonZero64("from_chat_id", f.FromChatID)
	params.AddNonZero("message_id", f.MessageID)
	_, err := t.call(ctx, "forwardMessage", params)
	return err
}

// Send posts a text message and returns its message id.
func (t *TelegramChannel) Send(ctx context.Context, m relay.Outgoing) (int, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", m.ChatID)
	params.AddNonZero("message_thread_id", m.TopicID)
	params.AddNonEmpty("text", m.Text)
	params.AddNonEmpty("parse_mode", m.ParseMode)
	params.AddNonZero("reply_to_message_id", m.ReplyTo)
	if len(m.Buttons) > 0 {
		if err := params.AddInterface("reply_markup", keyboard(m.Buttons)); err != nil {
			return 0, fmt.Errorf("%w: sendMessage: %v", relay.ErrTransport, err)
		}
	}
	resp, err := t.call(ctx, "sendMessage", params)
	if err != nil {
		return 0, err
	}
	var sent tgbotapi.Message
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("%w: sendMessage: %v", relay.ErrTransport, err)
	}
	return sent.MessageID, nil
}

func (t *TelegramChannel) EditButtons(ctx context.Context, chatID int64, messageID int, buttons []relay.Button) error {
	return t.request(ctx, "editMessageReplyMarkup", tgbotapi.NewEditMessageReplyMarkup(chatID, messageID, keyboard(buttons)))
}

func (t *TelegramChannel) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return t.request(ctx, "answerCallbackQuery", tgbotapi.NewCallback(callbackID, text))
}

func (t *TelegramChannel) Typing(ctx context.Context, chatID int64) error {
	return t.request(ctx, "sendChatAction", tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
}

func (t *TelegramChannel) call(ctx context.Context, method string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", relay.ErrTransport, method, err)
	}
	resp, err := t.bot.MakeRequest(method, params)
	if err != nil {
		return nil, wrapAPIError(method, err)
	}
	return resp, nil
}

func (t *TelegramChannel) request(ctx context.Context, method string, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", relay.ErrTransport, method, err)
	}
	if _, err := t.bot.Request(c); err != nil {
		return wrapAPIError(method, err)
	}
	return nil
}

func wrapAPIError(method string, err error) error {
	if relay.IsNotModified(err) {
		return fmt.Errorf("%w: %s: %v", relay.ErrNotModified, method, err)
	}
	return fmt.Errorf("%w: %s: %v", relay.ErrTransport, method, err)
}

func keyboard(buttons []relay.Button) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}
