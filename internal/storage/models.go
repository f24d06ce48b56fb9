package storage

import (
	"strings"
	"time"
)

// Account is a payee that receives deposits on one-time addresses
type Account struct {
	ID                string
	Nonce             uint64
	ViewingKey        string // hex, opaque to the core
	SpendingPublicKey string // hex, opaque to the core
	TelegramChatID    int64  // 0 disables notifications
	Tokens            []TokenRef
	CreatedAt         time.Time
}

// TokenRef is a supported (chain, token) pair
type TokenRef struct {
	ChainID int64
	Token   string // lowercase hex or "native"
}

// Supports reports whether the account accepts token on chainID
func (a *Account) Supports(chainID int64, token string) bool {
	token = strings.ToLower(token)
	for _, t := range a.Tokens {
		if t.ChainID == chainID && t.Token == token {
			return true
		}
	}
	return false
}

// DepositAddress is a one-time address issued for a nonce
type DepositAddress struct {
	AccountID              string
	Nonce                  uint64
	Address                string
	ChainID                int64
	PredictedWalletAddress string // empty when prediction failed
	IsWalletDeployed       bool
	IsFunded               bool
	FundedTxHash           string
	FundedFrom             string
	CreatedAt              time.Time
}

// SessionStatus is the lifecycle state of a payment session
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusListening SessionStatus = "listening"
	StatusCompleted SessionStatus = "completed"
	StatusExpired   SessionStatus = "expired"
	StatusCancelled SessionStatus = "cancelled"
)

// IsActive reports whether the status is non-terminal
func (s SessionStatus) IsActive() bool {
	return s == StatusPending || s == StatusListening
}

// PaymentSession tracks one payment request from issuance to a terminal outcome
type PaymentSession struct {
	PaymentID    string
	AccountID    string
	DeviceID     string
	Nonce        uint64
	Address      string // issued deposit address
	WatchAddress string // predicted wallet when available, else Address
	TokenAddress string
	ChainID      int64
	TokenAmount  string
	Status       SessionStatus
	IsActive     bool
	ExpiresAt    time.Time
	CompletedAt  *time.Time
	TxHash       string
	FromAddress  string
	ActualAmount string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionUpdate carries the optional fields written by a transition
type SessionUpdate struct {
	TxHash       string
	FromAddress  string
	ActualAmount string
	CompletedAt  *time.Time
}

// DeviceSession points a returning client at its last payment
type DeviceSession struct {
	DeviceID            string
	AccountID           string
	LastActivePaymentID string
	LastAddress         string
	UpdatedAt           time.Time
}
