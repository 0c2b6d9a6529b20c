package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"github.com/noah-isme/coi-workflow/pkg/config"
)

// Callback actions carried in inline keyboard data as "<action>:<token>".
const (
	CallbackApprove = "approve"
	CallbackReject  = "reject"
)

// TelegramGateway talks to reviewers through the Telegram Bot API.
type TelegramGateway struct {
	bot    *bot.Bot
	chatID int64
	logger *zap.Logger
}

// NewTelegramGateway builds the gateway. client may be nil. Updates arrive
// through the webhook, so the bot is never started for polling.
func NewTelegramGateway(cfg config.TelegramConfig, client *http.Client, logger *zap.Logger) (*TelegramGateway, error) {
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		return nil, errors.New("telegram: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(client.Timeout, client),
	}
	if base := strings.TrimRight(cfg.APIBaseURL, "/"); base != "" {
		opts = append(opts, bot.WithServerURL(base))
	}
	b, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramGateway{bot: b, chatID: cfg.ChatID, logger: logger}, nil
}

// RequestApproval posts the prompt with approve and reject buttons bound to the token.
func (g *TelegramGateway) RequestApproval(ctx context.Context, prompt ApprovalPrompt) error {
	if prompt.Token == "" {
		return Permanent(AdapterApproval, "prompt has no approval token", nil)
	}
	_, err := g.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: g.chatID,
		Text:   FormatPrompt(prompt),
		ReplyMarkup: &tgmodels.InlineKeyboardMarkup{InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
			{Text: "✅ Send", CallbackData: CallbackApprove + ":" + prompt.Token},
			{Text: "🚫 Don't send", CallbackData: CallbackReject + ":" + prompt.Token},
		}}},
	})
	return g.classify("sendMessage", err)
}

// Notify sends a plain notice to the review chat.
func (g *TelegramGateway) Notify(ctx context.Context, text string) error {
	_, err := g.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: g.chatID, Text: text})
	return g.classify("sendMessage", err)
}

// AnswerCallback acknowledges a button press so the client stops its spinner.
func (g *TelegramGateway) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}
	_, err := g.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: callbackID, Text: text})
	return g.classify("answerCallbackQuery", err)
}

// classify maps Bot API failures onto the retry policy. Requests the API
// refused outright are permanent; throttling, server and network errors are not.
func (g *TelegramGateway) classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var throttled *bot.TooManyRequestsError
	if errors.As(err, &throttled) {
		return Transient(AdapterApproval, fmt.Errorf("%s: %w", method, err))
	}
	for _, refused := range []error{bot.ErrorBadRequest, bot.ErrorForbidden, bot.ErrorUnauthorized, bot.ErrorNotFound, bot.ErrorConflict} {
		if errors.Is(err, refused) {
			g.logger.Sugar().Warnw("telegram rejected request", "method", method, "error", err)
			return Permanent(AdapterApproval, err.Error(), err)
		}
	}
	return Transient(AdapterApproval, fmt.Errorf("%s: %w", method, err))
}

// FormatPrompt renders the reviewer-facing message for a prompt.
func FormatPrompt(p ApprovalPrompt) string {
	var b strings.Builder
	if p.Reminder {
		b.WriteString("⏰ Reminder, still waiting for a decision\n")
	}
	b.WriteString("Email likely a COI request:\n")
	b.WriteString(p.Subject)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Insured: %s\n", p.Details.InsuredName)
	fmt.Fprintf(&b, "Holder: %s\n", p.Details.HolderName)
	if addr := strings.Trim(p.Details.HolderAddr1+", "+p.Details.HolderAddr2, ", "); addr != "" {
		fmt.Fprintf(&b, "Address: %s\n", addr)
	}
	if p.Details.SendToEmail != "" {
		fmt.Fprintf(&b, "Send to: %s\n", p.Details.SendToEmail)
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(&b, "Decide before %s", p.ExpiresAt.UTC().Format("01/02/2006 15:04 MST"))
	}
	return strings.TrimRight(b.String(), "\n")
}

// ParseCallbackData splits inline keyboard data into a decision action and token.
// The legacy "send"/"nosend" actions are accepted as aliases.
func ParseCallbackData(data string) (action, token string, ok bool) {
	action, token, found := strings.Cut(data, ":")
	if !found || token == "" {
		return "", "", false
	}
	switch action {
	case CallbackApprove, "send":
		return CallbackApprove, token, true
	case CallbackReject, "nosend":
		return CallbackReject, token, true
	}
	return "", "", false
}
