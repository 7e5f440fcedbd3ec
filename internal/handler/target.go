package handler

import (
	"context"
	"strconv"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
	"tg-debounce-bot/internal/render"
)

// maxMessageLength stays under Telegram's 4096 character limit
const maxMessageLength = 4000

// messenger is the part of the Telegram bot API a reply target needs
type messenger interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
	Notify(to telebot.Recipient, action telebot.ChatAction, threadID ...int) error
	Raw(method string, payload interface{}) ([]byte, error)
}

// replyTarget sends paced paragraphs to the chat a message came from.
// Replies to business messages go out through the business connection.
type replyTarget struct {
	bot        messenger
	chat       *telebot.Chat
	businessID string
}

func newReplyTarget(bot messenger, chat *telebot.Chat, businessID string) *replyTarget {
	return &replyTarget{bot: bot, chat: chat, businessID: businessID}
}

// Quiet keeps failure notices out of business chats
func (t *replyTarget) Quiet() bool {
	return t.businessID != ""
}

// Reply sends text as Telegram HTML, falling back to plain text when the
// markup is rejected.
func (t *replyTarget) Reply(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := render.Paragraph(text)
	if result.UseHTML && utf8.RuneCountInString(result.Text) <= maxMessageLength {
		_, err := t.bot.Send(t.chat, result.Text, &telebot.SendOptions{
			ParseMode:            telebot.ModeHTML,
			BusinessConnectionID: t.businessID,
		})
		if err == nil {
			return nil
		}
		log.Warnf("Failed to send HTML message to chat %d, falling back to plain text: %v", t.chat.ID, err)
	}

	for _, chunk := range chunkText(result.FallbackText, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(t.chat, chunk, &telebot.SendOptions{BusinessConnectionID: t.businessID}); err != nil {
			return err
		}
	}
	return nil
}

// Typing shows the "typing…" chat action
func (t *replyTarget) Typing(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.businessID == "" {
		return t.bot.Notify(t.chat, telebot.Typing)
	}
	_, err := t.bot.Raw("sendChatAction", map[string]string{
		"chat_id":                strconv.FormatInt(t.chat.ID, 10),
		"action":                 string(telebot.Typing),
		"business_connection_id": t.businessID,
	})
	return err
}

// chunkText splits text into pieces of at most limit runes
func chunkText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/limit+1)
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
