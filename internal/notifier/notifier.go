// Package notifier tells payees about completed payments over Telegram.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/deposit-tracker/internal/storage"
)

// Sender sends a Telegram message. *bot.Bot implements it.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Notifier sends payment notifications. A Notifier without a sender is
// disabled and drops every notification.
type Notifier struct {
	sender    Sender
	explorers map[int64]string
	log       *slog.Logger
}

// New creates a new Notifier. explorers maps a chain ID to its block explorer
// base URL and may be nil.
func New(sender Sender, explorers map[int64]string, log *slog.Logger) *Notifier {
	if explorers == nil {
		explorers = make(map[int64]string)
	}
	return &Notifier{
		sender:    sender,
		explorers: explorers,
		log:       log,
	}
}

// NewTelegram creates a Notifier backed by a Telegram bot. An empty token
// yields a disabled Notifier.
func NewTelegram(token string, explorers map[int64]string, log *slog.Logger) (*Notifier, error) {
	if token == "" {
		log.Info("telegram notifications disabled")
		return New(nil, explorers, log), nil
	}

	tgBot, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	return New(tgBot, explorers, log), nil
}

// Enabled reports whether notifications are sent at all
func (n *Notifier) Enabled() bool {
	return n.sender != nil
}

// PaymentReceived notifies the account's chat about a completed payment.
// Accounts without a chat are skipped.
func (n *Notifier) PaymentReceived(ctx context.Context, acc *storage.Account, ps *storage.PaymentSession) error {
	if !n.Enabled() || acc.TelegramChatID == 0 {
		return nil
	}

	explorer := n.explorers[ps.ChainID]
	err := n.send(ctx, acc.TelegramChatID, formatPaymentMessage(ps, explorer), txKeyboard(explorer, ps.TxHash))
	if err != nil {
		return fmt.Errorf("notify chat %d: %w", acc.TelegramChatID, err)
	}

	n.log.Debug("payment notification sent", "payment_id", ps.PaymentID, "chat_id", acc.TelegramChatID)
	return nil
}

func (n *Notifier) send(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) error {
	disablePreview := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disablePreview,
		},
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := n.sender.SendMessage(ctx, params)
	return err
}
