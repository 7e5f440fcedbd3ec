package handler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"
	"tg-debounce-bot/internal/config"
	"tg-debounce-bot/internal/coordinator"
	"tg-debounce-bot/internal/storage"
)

// Bot wires Telegram updates to the coordinator
type Bot struct {
	config  *config.Config
	tgBot   *telebot.Bot
	coord   *coordinator.Coordinator
	store   storage.Store
	allowed map[int64]struct{}
}

// NewBot creates a new bot handler. Only users listed in
// telegram.allowed_user_ids are served.
func NewBot(cfg *config.Config, coord *coordinator.Coordinator, store storage.Store) *Bot {
	allowed := make(map[int64]struct{}, len(cfg.Telegram.AllowedUserIDs))
	for _, id := range cfg.Telegram.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{
		config:  cfg,
		coord:   coord,
		store:   store,
		allowed: allowed,
	}
}

// SetTelegramBot sets the Telegram bot instance
func (b *Bot) SetTelegramBot(tgBot *telebot.Bot) {
	b.tgBot = tgBot
}

// Start registers handlers
func (b *Bot) Start() {
	if b.tgBot == nil {
		log.Error("Telegram bot not set")
		return
	}

	b.tgBot.Handle("/start", b.restricted(b.handleStart))
	b.tgBot.Handle("/help", b.restricted(b.handleHelp))
	b.tgBot.Handle("/reset", b.restricted(b.handleReset))
	b.tgBot.Handle("/status", b.restricted(b.handleStatus))

	// Handle plain text messages (non-commands)
	b.tgBot.Handle(telebot.OnText, b.restricted(b.handleText))
	b.tgBot.Handle(telebot.OnBusinessMessage, b.restricted(b.handleText))
}

// incoming returns the message an update carries, business messages included
func incoming(c telebot.Context) *telebot.Message {
	if u := c.Update(); u.BusinessMessage != nil {
		return u.BusinessMessage
	}
	return c.Message()
}

// restricted silently drops updates from users outside the allow-list
func (b *Bot) restricted(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		sender := c.Sender()
		if msg := incoming(c); msg != nil && msg.Sender != nil {
			sender = msg.Sender
		}
		if sender == nil {
			return nil
		}
		if _, ok := b.allowed[sender.ID]; !ok {
			log.Infof("Ignoring message from unauthorized user %d", sender.ID)
			return nil
		}
		return next(c)
	}
}

// handleStart handles the /start command
func (b *Bot) handleStart(c telebot.Context) error {
	return c.Send("Привет! Я бот, который отвечает на ваши сообщения с помощью DeepSeek API.\n\n" +
		"Пишите сколько угодно сообщений подряд: я подожду паузу и отвечу на всё сразу.\n" +
		"/help - список команд")
}

// handleHelp handles the /help command
func (b *Bot) handleHelp(c telebot.Context) error {
	helpText := fmt.Sprintf(`Команды:
/start - приветствие
/help - эта справка
/reset - очистить историю диалога
/status - состояние ожидающих сообщений

Я жду %d сек. после последнего сообщения, объединяю всё, что вы прислали, и отвечаю по абзацам.`,
		int(b.config.Conversation.Wait()/time.Second))
	return c.Send(helpText)
}

// handleReset clears the user's conversation history
func (b *Bot) handleReset(c telebot.Context) error {
	userID := c.Sender().ID
	if err := b.store.Clear(userID); err != nil {
		log.Errorf("Failed to clear history for user %d: %v", userID, err)
		return c.Send("Не удалось очистить историю.")
	}
	log.Infof("Cleared history for user %d", userID)
	return c.Send("История диалога очищена.")
}

// handleStatus reports buffered text and delivery state
func (b *Bot) handleStatus(c telebot.Context) error {
	userID := c.Sender().ID

	var sb strings.Builder
	pending, armed := b.coord.Pending(userID)
	switch {
	case pending != "" && armed:
		sb.WriteString(fmt.Sprintf("Ожидает ответа: %d символов\n", len([]rune(pending))))
	default:
		sb.WriteString("Нет ожидающих сообщений\n")
	}
	if b.coord.Busy(userID) {
		sb.WriteString("Сейчас отправляю ответ\n")
	}

	history, err := b.store.History(userID)
	if err != nil {
		log.Warnf("Failed to read history for user %d: %v", userID, err)
	} else {
		sb.WriteString(fmt.Sprintf("Сообщений в истории: %d", len(history)))
	}
	return c.Send(sb.String())
}

// handleText forwards plain and business text messages to the coordinator
func (b *Bot) handleText(c telebot.Context) error {
	msg := incoming(c)
	if msg == nil || msg.Sender == nil {
		return nil
	}
	userID := msg.Sender.ID
	text := msg.Text

	// Ignore empty messages
	if strings.TrimSpace(text) == "" {
		return nil
	}

	log.Infof("Received message from user %d (%d chars)", userID, len(text))
	target := newReplyTarget(c.Bot(), msg.Chat, msg.BusinessConnectionID)
	if err := b.coord.OnMessage(userID, text, target); err != nil {
		if errors.Is(err, coordinator.ErrClosed) {
			log.Warnf("Dropping message from user %d during shutdown", userID)
			return nil
		}
		return err
	}
	return nil
}
