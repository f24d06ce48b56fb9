package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/storage"
)

const (
	depositAddr = "0xAbc0000000000000000000000000000000000001"
	senderAddr  = "0x2222222222222222222222222222222222222222"
)

func newTestStore(t *testing.T) (*Store, *storage.Storage) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.UpsertAccount(ctx, storage.Account{ID: "acc_1", ViewingKey: "0x01", SpendingPublicKey: "0x02"}))
	require.NoError(t, db.IssueAddress(ctx, 0, storage.DepositAddress{
		AccountID: "acc_1",
		Nonce:     0,
		Address:   depositAddr,
		ChainID:   8453,
	}))

	return New(db, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), db
}

func newSession(id string, expiresAt time.Time) *storage.PaymentSession {
	return &storage.PaymentSession{
		PaymentID:    id,
		AccountID:    "acc_1",
		DeviceID:     "dev_1",
		Nonce:        0,
		Address:      depositAddr,
		WatchAddress: depositAddr,
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		ChainID:      8453,
		TokenAmount:  "10",
		ExpiresAt:    expiresAt,
	}
}

func TestLifecycle_Complete(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	ps := newSession("pay_1", time.Now().Add(3*time.Minute))
	require.NoError(t, s.Create(ctx, ps))
	assert.Equal(t, storage.StatusPending, ps.Status)
	assert.True(t, ps.IsActive)

	got, err := s.MarkListening(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusListening, got.Status)

	got, err = s.Complete(ctx, "pay_1", "0xfeed", senderAddr, "10")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.False(t, got.IsActive)
	assert.Equal(t, "10", got.ActualAmount)
	assert.Equal(t, senderAddr, got.FromAddress)
	require.NotNil(t, got.CompletedAt)

	dep, err := db.GetDepositAddress(ctx, "acc_1", 0)
	require.NoError(t, err)
	assert.True(t, dep.IsFunded)
	assert.Equal(t, "0xfeed", dep.FundedTxHash)
	assert.Equal(t, senderAddr, dep.FundedFrom)
}

func TestTransitions_Legality(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute))))

	// Only listening sessions complete or expire.
	_, err := s.Complete(ctx, "pay_1", "0x1", senderAddr, "1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = s.Expire(ctx, "pay_1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = s.MarkListening(ctx, "pay_1")
	require.NoError(t, err)
	_, err = s.MarkListening(ctx, "pay_1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = s.Expire(ctx, "pay_1")
	require.NoError(t, err)

	_, err = s.Complete(ctx, "pay_1", "0x1", senderAddr, "1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = s.Cancel(ctx, "pay_1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	got, err := s.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusExpired, got.Status)
	assert.Empty(t, got.TxHash)
}

func TestCancel_FromPendingAndListening(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute))))
	got, err := s.Cancel(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, got.Status)

	require.NoError(t, s.Create(ctx, newSession("pay_2", time.Now().Add(time.Minute))))
	_, err = s.MarkListening(ctx, "pay_2")
	require.NoError(t, err)
	got, err = s.Cancel(ctx, "pay_2")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestCompleteExpireRace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute))))
	_, err := s.MarkListening(ctx, "pay_1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.Complete(ctx, "pay_1", "0x1", senderAddr, "10")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.Expire(ctx, "pay_1")
	}()
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
		} else {
			assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, applied)
}

func TestUnknownPayment(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "pay_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.Expire(ctx, "pay_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreate_Duplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute))))
	err := s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute)))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestGetReusableSession(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	expiresAt := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	ps := newSession("pay_1", expiresAt)
	require.NoError(t, s.Create(ctx, ps))
	require.NoError(t, s.TouchDevice(ctx, ps))

	// Pending sessions are never reused.
	got, err := s.GetReusableSession(ctx, "dev_1", "acc_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.MarkListening(ctx, "pay_1")
	require.NoError(t, err)

	s.now = func() time.Time { return expiresAt.Add(-time.Millisecond) }
	got, err = s.GetReusableSession(ctx, "dev_1", "acc_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pay_1", got.PaymentID)

	s.now = func() time.Time { return expiresAt }
	got, err = s.GetReusableSession(ctx, "dev_1", "acc_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	s.now = func() time.Time { return expiresAt.Add(time.Millisecond) }
	got, err = s.GetReusableSession(ctx, "dev_1", "acc_1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Other device, other account.
	s.now = time.Now
	got, err = s.GetReusableSession(ctx, "dev_2", "acc_1")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = s.GetReusableSession(ctx, "", "acc_1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

type fundingFailure struct {
	*storage.Storage
}

func (fundingFailure) MarkAddressFunded(context.Context, string, uint64, string, string) error {
	return errors.New("disk full")
}

func TestComplete_FundingFailureKeepsCompletion(t *testing.T) {
	_, db := newTestStore(t)
	s := New(fundingFailure{db}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newSession("pay_1", time.Now().Add(time.Minute))))
	_, err := s.MarkListening(ctx, "pay_1")
	require.NoError(t, err)

	got, err := s.Complete(ctx, "pay_1", "0x1", senderAddr, "10")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)

	dep, err := db.GetDepositAddress(ctx, "acc_1", 0)
	require.NoError(t, err)
	assert.False(t, dep.IsFunded)
}
