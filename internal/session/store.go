// Package session is the payment session state machine and the device reuse
// index. Every transition is conditioned on the state the session currently
// holds, so a completion and an expiry racing for one payment never both apply.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/metrics"
	"github.com/suspectuso/deposit-tracker/internal/storage"
)

// Persistence is the subset of storage the session store needs
type Persistence interface {
	CreateSession(ctx context.Context, ps *storage.PaymentSession) error
	GetSession(ctx context.Context, paymentID string) (*storage.PaymentSession, error)
	ListSessionsByStatus(ctx context.Context, status storage.SessionStatus) ([]storage.PaymentSession, error)
	TransitionSession(ctx context.Context, paymentID string, from []storage.SessionStatus, to storage.SessionStatus, upd storage.SessionUpdate) (*storage.PaymentSession, error)
	MarkAddressFunded(ctx context.Context, accountID string, nonce uint64, txHash, from string) error
	UpsertDeviceSession(ctx context.Context, ds storage.DeviceSession) error
	GetDeviceSession(ctx context.Context, deviceID, accountID string) (*storage.DeviceSession, error)
}

var (
	fromPending   = []storage.SessionStatus{storage.StatusPending}
	fromListening = []storage.SessionStatus{storage.StatusListening}
	fromActive    = []storage.SessionStatus{storage.StatusPending, storage.StatusListening}
)

// Store applies session transitions
type Store struct {
	db      Persistence
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// New creates a new Store
func New(db Persistence, m *metrics.Metrics, log *slog.Logger) *Store {
	return &Store{
		db:      db,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Create inserts ps in pending
func (s *Store) Create(ctx context.Context, ps *storage.PaymentSession) error {
	if ps.PaymentID == "" || ps.AccountID == "" {
		return fmt.Errorf("%w: payment and account id required", apperr.ErrValidation)
	}

	ps.Status = storage.StatusPending
	if err := s.db.CreateSession(ctx, ps); err != nil {
		return fmt.Errorf("create session %s: %w", ps.PaymentID, err)
	}

	s.metrics.Transition(string(storage.StatusPending))
	s.log.Info("session created",
		"payment_id", ps.PaymentID,
		"account_id", ps.AccountID,
		"nonce", ps.Nonce,
		"chain_id", ps.ChainID,
		"expires_at", ps.ExpiresAt,
	)
	return nil
}

// Get returns a session by payment ID
func (s *Store) Get(ctx context.Context, paymentID string) (*storage.PaymentSession, error) {
	ps, err := s.db.GetSession(ctx, paymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment %s", apperr.ErrNotFound, paymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", paymentID, err)
	}
	return ps, nil
}

// ListByStatus returns all sessions in status, oldest first
func (s *Store) ListByStatus(ctx context.Context, status storage.SessionStatus) ([]storage.PaymentSession, error) {
	return s.db.ListSessionsByStatus(ctx, status)
}

// MarkListening moves pending -> listening
func (s *Store) MarkListening(ctx context.Context, paymentID string) (*storage.PaymentSession, error) {
	return s.transition(ctx, paymentID, fromPending, storage.StatusListening, storage.SessionUpdate{})
}

// Complete moves listening -> completed and records the funding transfer on
// the deposit address. The funding write is best-effort: its failure is logged
// and never undoes the completion.
func (s *Store) Complete(ctx context.Context, paymentID, txHash, fromAddress, amount string) (*storage.PaymentSession, error) {
	completedAt := s.now()
	ps, err := s.transition(ctx, paymentID, fromListening, storage.StatusCompleted, storage.SessionUpdate{
		TxHash:       txHash,
		FromAddress:  fromAddress,
		ActualAmount: amount,
		CompletedAt:  &completedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.db.MarkAddressFunded(ctx, ps.AccountID, ps.Nonce, txHash, fromAddress); err != nil {
		s.log.Error("mark address funded",
			"payment_id", paymentID,
			"account_id", ps.AccountID,
			"nonce", ps.Nonce,
			"error", err,
		)
	}

	return ps, nil
}

// Expire moves listening -> expired
func (s *Store) Expire(ctx context.Context, paymentID string) (*storage.PaymentSession, error) {
	return s.transition(ctx, paymentID, fromListening, storage.StatusExpired, storage.SessionUpdate{})
}

// Cancel moves any active state -> cancelled
func (s *Store) Cancel(ctx context.Context, paymentID string) (*storage.PaymentSession, error) {
	return s.transition(ctx, paymentID, fromActive, storage.StatusCancelled, storage.SessionUpdate{})
}

func (s *Store) transition(ctx context.Context, paymentID string, from []storage.SessionStatus, to storage.SessionStatus, upd storage.SessionUpdate) (*storage.PaymentSession, error) {
	ps, err := s.db.TransitionSession(ctx, paymentID, from, to, upd)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: payment %s", apperr.ErrNotFound, paymentID)
	case errors.Is(err, storage.ErrStateConflict):
		return nil, fmt.Errorf("%w: %s to %s", apperr.ErrInvalidTransition, paymentID, to)
	case err != nil:
		return nil, fmt.Errorf("transition %s to %s: %w", paymentID, to, err)
	}

	s.metrics.Transition(string(to))
	s.log.Info("session transition", "payment_id", paymentID, "status", to)
	return ps, nil
}

// GetReusableSession returns the device's last session when it is still
// listening and has not expired. It returns nil, nil when a new session must
// be minted.
func (s *Store) GetReusableSession(ctx context.Context, deviceID, accountID string) (*storage.PaymentSession, error) {
	if deviceID == "" {
		return nil, nil
	}

	ds, err := s.db.GetDeviceSession(ctx, deviceID, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device session: %w", err)
	}
	if ds.LastActivePaymentID == "" {
		return nil, nil
	}

	ps, err := s.db.GetSession(ctx, ds.LastActivePaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", ds.LastActivePaymentID, err)
	}

	if !Reusable(ps, s.now()) {
		return nil, nil
	}
	return ps, nil
}

// Reusable reports whether ps can be handed back to a returning device at now
func Reusable(ps *storage.PaymentSession, now time.Time) bool {
	if ps == nil || ps.Status != storage.StatusListening {
		return false
	}
	return ps.ExpiresAt.UnixMilli() > now.UnixMilli()
}

// TouchDevice points the device at ps
func (s *Store) TouchDevice(ctx context.Context, ps *storage.PaymentSession) error {
	if ps.DeviceID == "" {
		return nil
	}
	return s.db.UpsertDeviceSession(ctx, storage.DeviceSession{
		DeviceID:            ps.DeviceID,
		AccountID:           ps.AccountID,
		LastActivePaymentID: ps.PaymentID,
		LastAddress:         ps.Address,
	})
}
