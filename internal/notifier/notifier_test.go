package notifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/deposit-tracker/internal/storage"
)

type fakeSender struct {
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completedSession() *storage.PaymentSession {
	return &storage.PaymentSession{
		PaymentID:    "pay_1",
		Address:      "0x1111111111111111111111111111111111111111",
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		ChainID:      8453,
		TokenAmount:  "10",
		ActualAmount: "9.5",
		FromAddress:  "0x2222222222222222222222222222222222222222",
		TxHash:       "0xabc",
	}
}

func TestPaymentReceived(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, map[int64]string{8453: "https://basescan.org/"}, testLogger())

	err := n.PaymentReceived(context.Background(), &storage.Account{ID: "acc_1", TelegramChatID: 42}, completedSession())
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, models.ParseModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "+9.5 tokens")
	assert.Contains(t, msg.Text, "Underpaid, expected 10")
	assert.Contains(t, msg.Text, "https://basescan.org/address/0x2222222222222222222222222222222222222222")

	kb, ok := msg.ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Equal(t, "https://basescan.org/tx/0xabc", kb.InlineKeyboard[0][0].URL)
}

func TestPaymentReceived_Skips(t *testing.T) {
	sender := &fakeSender{}
	n := New(sender, nil, testLogger())

	require.NoError(t, n.PaymentReceived(context.Background(), &storage.Account{ID: "acc_1"}, completedSession()))
	assert.Empty(t, sender.sent)

	disabled := New(nil, nil, testLogger())
	assert.False(t, disabled.Enabled())
	require.NoError(t, disabled.PaymentReceived(context.Background(), &storage.Account{TelegramChatID: 42}, completedSession()))
}

func TestPaymentReceived_SendError(t *testing.T) {
	n := New(&fakeSender{err: errors.New("forbidden: bot was blocked by the user")}, nil, testLogger())

	err := n.PaymentReceived(context.Background(), &storage.Account{TelegramChatID: 42}, completedSession())
	assert.Error(t, err)
}

func TestAmountNote(t *testing.T) {
	assert.Empty(t, amountNote("10", "10.0"))
	assert.Contains(t, amountNote("10", "12"), "Overpaid")
	assert.Contains(t, amountNote("10", "1"), "Underpaid")
	assert.Empty(t, amountNote("", "1"))
}

func TestFormatPaymentMessage_NoExplorer(t *testing.T) {
	ps := completedSession()
	ps.TokenAddress = "native"
	ps.ActualAmount = "10"

	text := formatPaymentMessage(ps, "")
	assert.Contains(t, text, "+10 native")
	assert.NotContains(t, text, "href")
	assert.NotContains(t, text, "Token:")
	assert.Nil(t, txKeyboard("", ps.TxHash))
}
