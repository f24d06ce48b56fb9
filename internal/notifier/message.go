package notifier

import (
	"fmt"
	"html"
	"math/big"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/deposit-tracker/internal/chain"
	"github.com/suspectuso/deposit-tracker/internal/storage"
)

func formatPaymentMessage(ps *storage.PaymentSession, explorer string) string {
	symbol := "tokens"
	if ps.TokenAddress == chain.NativeToken {
		symbol = "native"
	}

	lines := []string{
		"<b>💰 Payment received</b>",
		"",
		fmt.Sprintf("+%s %s 🟩", html.EscapeString(ps.ActualAmount), symbol),
	}

	if note := amountNote(ps.TokenAmount, ps.ActualAmount); note != "" {
		lines = append(lines, note)
	}

	lines = append(lines,
		"",
		fmt.Sprintf("%s → %s", addressLink(explorer, ps.FromAddress), addressLink(explorer, ps.Address)),
		"",
		fmt.Sprintf("Payment: <code>%s</code>", html.EscapeString(ps.PaymentID)),
	)

	if ps.TokenAddress != chain.NativeToken {
		lines = append(lines, fmt.Sprintf("Token: <code>%s</code>", ps.TokenAddress))
	}

	return strings.Join(lines, "\n")
}

// amountNote flags payments that differ from the requested amount
func amountNote(expected, actual string) string {
	want, ok := new(big.Rat).SetString(expected)
	if !ok {
		return ""
	}
	got, ok := new(big.Rat).SetString(actual)
	if !ok {
		return ""
	}

	switch got.Cmp(want) {
	case -1:
		return fmt.Sprintf("⚠️ Underpaid, expected %s", html.EscapeString(expected))
	case 1:
		return fmt.Sprintf("ℹ️ Overpaid, expected %s", html.EscapeString(expected))
	default:
		return ""
	}
}

func addressLink(explorer, addr string) string {
	short := chain.ShortAddr(addr, 6)
	if explorer == "" || addr == "" {
		return short
	}
	return fmt.Sprintf("<a href='%s/address/%s'>%s</a>", strings.TrimRight(explorer, "/"), addr, short)
}

func txKeyboard(explorer, txHash string) *models.InlineKeyboardMarkup {
	if explorer == "" || txHash == "" {
		return nil
	}
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "🔎 View transaction", URL: strings.TrimRight(explorer, "/") + "/tx/" + txHash},
			},
		},
	}
}
