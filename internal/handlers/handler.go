package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/telegram"
)

// Conversation is the part of chat.Machine the bot drives.
type Conversation interface {
	Start()
	SubmitText(ctx context.Context, text string) error
	Dispatch(ctx context.Context, a chat.Action) bool
}

type Options struct {
	Telegram telegram.API
	Chat     Conversation
	ChatID   int64
	Logger   *slog.Logger
}

// Handler routes Telegram updates for the one configured chat into the
// conversation. Updates from other chats are dropped.
type Handler struct {
	tg     telegram.API
	chat   Conversation
	chatID int64
	logger *slog.Logger
}

func New(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		tg:     opts.Telegram,
		chat:   opts.Chat,
		chatID: opts.ChatID,
		logger: logger,
	}
}

func (h *Handler) HandleUpdate(ctx context.Context, update telegram.Update) error {
	if update.CallbackQuery != nil {
		return h.handleCallback(ctx, update.CallbackQuery)
	}
	if update.Message == nil {
		return nil
	}

	msg := update.Message
	if msg.Chat == nil || msg.Chat.ID != h.chatID {
		h.logger.Debug("update from foreign chat ignored")
		return nil
	}

	if msg.IsCommand() {
		return h.handleCommand(msg)
	}
	if strings.TrimSpace(msg.Text) != "" {
		return h.handleText(ctx, msg.Text)
	}
	return nil
}

func (h *Handler) handleCommand(msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start", "help":
		h.chat.Start()
	default:
		h.logger.Debug("unknown command ignored", "command", msg.Command())
	}
	return nil
}

func (h *Handler) handleText(ctx context.Context, text string) error {
	err := h.chat.SubmitText(ctx, text)
	if errors.Is(err, chat.ErrBusy) {
		h.logger.Debug("text ignored while busy")
		return nil
	}
	return err
}

func (h *Handler) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) error {
	if q.Message == nil || q.Message.Chat == nil || q.Message.Chat.ID != h.chatID {
		return nil
	}

	// Answer before dispatching: a style pick blocks for the whole batch and
	// Telegram expires unanswered callbacks.
	if err := h.tg.AnswerCallback(q.ID, "", false); err != nil {
		h.logger.Warn("answer callback failed", "err", err)
	}

	action, ok := telegram.ParseCallback(q.Data)
	if !ok {
		h.logger.Debug("unknown callback ignored", "data", q.Data)
		return nil
	}
	if !h.chat.Dispatch(ctx, action) {
		h.logger.Debug("callback had no effect", "data", q.Data)
	}
	return nil
}
