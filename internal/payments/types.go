package payments

import (
	"time"

	"github.com/suspectuso/deposit-tracker/internal/storage"
	"github.com/suspectuso/deposit-tracker/internal/watcher"
)

// Request is a payment request from a client
type Request struct {
	ChainID      int64  `json:"chainId,omitempty"`
	TokenAddress string `json:"tokenAddress"`
	TokenAmount  string `json:"tokenAmount"`
	DeviceID     string `json:"deviceId,omitempty"`
	ReuseSession *bool  `json:"reuseSession,omitempty"`
}

func (r Request) reuse() bool {
	return r.ReuseSession == nil || *r.ReuseSession
}

// WatcherView is the live tracking state of a payment
type WatcherView struct {
	ID               string    `json:"id"`
	StartedAt        time.Time `json:"startedAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
}

func newWatcherView(info watcher.Info) *WatcherView {
	return &WatcherView{
		ID:               info.ID,
		StartedAt:        info.StartedAt,
		RemainingSeconds: int64(info.Remaining / time.Second),
	}
}

// Response is returned for a payment request
type Response struct {
	Address                string       `json:"address"`
	ChainID                int64        `json:"chainId"`
	ChainName              string       `json:"chainName"`
	TokenAddress           string       `json:"tokenAddress"`
	TokenAmount            string       `json:"tokenAmount"`
	PaymentID              string       `json:"paymentId"`
	PredictedWalletAddress string       `json:"predictedWalletAddress,omitempty"`
	Watcher                *WatcherView `json:"watcher,omitempty"`
	Reused                 bool         `json:"reused"`
}

// Status is the current state of a payment
type Status struct {
	PaymentID    string       `json:"paymentId"`
	Status       string       `json:"status"`
	IsActive     bool         `json:"isActive"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	TxHash       string       `json:"txHash,omitempty"`
	FromAddress  string       `json:"fromAddress,omitempty"`
	ActualAmount string       `json:"actualAmount,omitempty"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	Watcher      *WatcherView `json:"watcher,omitempty"`
}

func newStatus(ps *storage.PaymentSession) *Status {
	return &Status{
		PaymentID:    ps.PaymentID,
		Status:       string(ps.Status),
		IsActive:     ps.IsActive,
		ExpiresAt:    ps.ExpiresAt,
		TxHash:       ps.TxHash,
		FromAddress:  ps.FromAddress,
		ActualAmount: ps.ActualAmount,
		CompletedAt:  ps.CompletedAt,
	}
}

// ActiveWatcher is a registry entry as exposed to operators
type ActiveWatcher struct {
	ID               string    `json:"id"`
	PaymentID        string    `json:"paymentId"`
	Address          string    `json:"address"`
	ChainID          int64     `json:"chainId"`
	Mode             string    `json:"mode"`
	StartedAt        time.Time `json:"startedAt"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	LastChecked      uint64    `json:"lastCheckedBlock"`
}
