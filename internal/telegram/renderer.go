package telegram

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"sportpix-chat/internal/chat"
	"sportpix-chat/internal/prompt"
	"sportpix-chat/internal/session"
)

// API is the subset of Client the renderer and handler use.
type API interface {
	SendTyping(chatID int64)
	SendText(chatID int64, text string) (int, error)
	SendTextWithKeyboard(chatID int64, text string, kb tgbotapi.InlineKeyboardMarkup) (int, error)
	SendPhoto(chatID int64, img session.Image, caption string, kb *tgbotapi.InlineKeyboardMarkup) (int, error)
	DeleteMessage(chatID int64, messageID int) error
	ClearKeyboard(chatID int64, messageID int) error
	AnswerCallback(callbackID, text string, alert bool) error
}

type RendererOptions struct {
	API    API
	ChatID int64
	Logger *slog.Logger
}

// Renderer draws the conversation into one Telegram chat. User bubbles are
// skipped because Telegram already shows what the user typed or tapped.
type Renderer struct {
	api    API
	chatID int64
	logger *slog.Logger

	mu          sync.Mutex
	affordances map[string]int
}

func NewRenderer(opts RendererOptions) *Renderer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{
		api:         opts.API,
		chatID:      opts.ChatID,
		logger:      logger,
		affordances: make(map[string]int),
	}
}

func (r *Renderer) Message(role chat.Role, text string) string {
	if role != chat.RoleBot {
		return ""
	}
	id, err := r.api.SendText(r.chatID, text)
	if err != nil {
		r.logger.Error("send message failed", "err", err)
		return ""
	}
	return messageKey(id)
}

func (r *Renderer) Loading(text string) chat.Indicator {
	r.api.SendTyping(r.chatID)
	id, err := r.api.SendText(r.chatID, text)
	if err != nil {
		r.logger.Error("send loading failed", "err", err)
	}
	return &placeholder{r: r, messageID: id}
}

func (r *Renderer) StyleChoices(text string, styles []prompt.Style) string {
	aff := uuid.NewString()
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, s := range styles {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(s.Name, callbackData(aff, kindStyle, s.Key)))
		if len(row) == 2 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return r.sendChoices(aff, text, tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (r *Renderer) SatisfactionChoices(text string) string {
	aff := uuid.NewString()
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, c := range chat.Choices() {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Label(), callbackData(aff, kindSatisfaction, string(c))),
		))
	}
	return r.sendChoices(aff, text, tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (r *Renderer) sendChoices(aff, text string, kb tgbotapi.InlineKeyboardMarkup) string {
	msgID, err := r.api.SendTextWithKeyboard(r.chatID, text, kb)
	if err != nil {
		r.logger.Error("send choices failed", "err", err)
		return aff
	}

	r.mu.Lock()
	r.affordances[aff] = msgID
	r.mu.Unlock()
	return aff
}

func (r *Renderer) Dismiss(affordanceID string) {
	r.mu.Lock()
	msgID, ok := r.affordances[affordanceID]
	delete(r.affordances, affordanceID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := r.api.ClearKeyboard(r.chatID, msgID); err != nil {
		r.logger.Warn("clear keyboard failed", "err", err, "message_id", msgID)
	}
}

func (r *Renderer) ImageGrid(images []session.Image) {
	for i, img := range images {
		kb := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Vary", callbackData("", kindVary, strconv.Itoa(i))),
		))
		caption := fmt.Sprintf("%d/%d", i+1, len(images))
		if _, err := r.api.SendPhoto(r.chatID, img, caption, &kb); err != nil {
			r.logger.Error("send photo failed", "err", err, "index", i)
		}
	}
}

func (r *Renderer) SingleImage(img session.Image) {
	if _, err := r.api.SendPhoto(r.chatID, img, "", nil); err != nil {
		r.logger.Error("send photo failed", "err", err)
	}
}

// Preview is a no-op: Telegram clients open photos fullscreen themselves.
func (r *Renderer) Preview(url string) {
	r.logger.Debug("preview ignored", "url_len", len(url))
}

type placeholder struct {
	r         *Renderer
	messageID int
	once      sync.Once
}

func (p *placeholder) Done() {
	p.once.Do(func() {
		if p.messageID == 0 {
			return
		}
		if err := p.r.api.DeleteMessage(p.r.chatID, p.messageID); err != nil {
			p.r.logger.Warn("delete placeholder failed", "err", err, "message_id", p.messageID)
		}
	})
}

func messageKey(id int) string {
	return "tg:" + strconv.Itoa(id)
}
