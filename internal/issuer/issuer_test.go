package issuer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/keys"
	"github.com/suspectuso/deposit-tracker/internal/storage"
)

const (
	chainID = int64(8453)
	usdc    = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
)

type failingDeriver struct{}

func (failingDeriver) Derive(string, uint64, int64) (common.Address, error) {
	return common.Address{}, errors.New("hsm offline")
}

type stubPredictor struct {
	err error
}

func (s stubPredictor) Predict(ctx context.Context, owner common.Address) (keys.Prediction, error) {
	if s.err != nil {
		return keys.Prediction{}, s.err
	}
	return keys.Prediction{WalletAddress: common.BytesToAddress(append([]byte{0xff}, owner.Bytes()[1:]...))}, nil
}

func (s stubPredictor) IsDeployedAt(ctx context.Context, wallet common.Address) (bool, error) {
	return false, s.err
}

func newStore(t *testing.T, nonce uint64) (*storage.Storage, *storage.Account) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "issuer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	err = store.UpsertAccount(context.Background(), storage.Account{
		ID:                "acc_1",
		Nonce:             nonce,
		ViewingKey:        "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		SpendingPublicKey: "0x02",
		Tokens:            []storage.TokenRef{{ChainID: chainID, Token: usdc}},
	})
	require.NoError(t, err)

	acc, err := store.GetAccount(context.Background(), "acc_1")
	require.NoError(t, err)
	return store, acc
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIssue_AdvancesNonce(t *testing.T) {
	store, acc := newStore(t, 5)
	iss := New(store, keys.HashDeriver{}, keys.Predictors{chainID: stubPredictor{}}, nil, discard())

	dep, err := iss.Issue(context.Background(), acc, chainID, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), dep.Nonce)
	assert.NotEmpty(t, dep.PredictedWalletAddress)

	want, err := keys.HashDeriver{}.Derive(acc.ViewingKey, 5, chainID)
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), dep.Address)

	fresh, err := store.GetAccount(context.Background(), "acc_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), fresh.Nonce)
}

func TestIssue_Unsupported(t *testing.T) {
	store, acc := newStore(t, 0)
	iss := New(store, keys.HashDeriver{}, nil, nil, discard())

	_, err := iss.Issue(context.Background(), acc, 1, usdc)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = iss.Issue(context.Background(), acc, chainID, "native")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	fresh, err := store.GetAccount(context.Background(), "acc_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fresh.Nonce)
}

func TestIssue_DerivationFailureKeepsNonce(t *testing.T) {
	store, acc := newStore(t, 3)
	iss := New(store, failingDeriver{}, nil, nil, discard())

	_, err := iss.Issue(context.Background(), acc, chainID, usdc)
	assert.ErrorIs(t, err, apperr.ErrDerivation)

	fresh, err := store.GetAccount(context.Background(), "acc_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), fresh.Nonce)
}

func TestIssue_PredictionFailureStillIssues(t *testing.T) {
	store, acc := newStore(t, 0)
	iss := New(store, keys.HashDeriver{}, keys.Predictors{chainID: stubPredictor{err: apperr.ErrPrediction}}, nil, discard())

	dep, err := iss.Issue(context.Background(), acc, chainID, usdc)
	require.NoError(t, err)
	assert.Empty(t, dep.PredictedWalletAddress)
	assert.False(t, dep.IsWalletDeployed)
}

func TestIssue_StaleAccountRetries(t *testing.T) {
	store, acc := newStore(t, 0)
	iss := New(store, keys.HashDeriver{}, nil, nil, discard())

	_, err := iss.Issue(context.Background(), acc, chainID, usdc)
	require.NoError(t, err)

	// acc still carries nonce 0
	dep, err := iss.Issue(context.Background(), acc, chainID, usdc)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), dep.Nonce)
}

func TestIssue_ConcurrentNoncesUnique(t *testing.T) {
	store, acc := newStore(t, 0)

	// Separate issuers do not share the in-process lock, so only storage guards the nonce.
	const workers = 6
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		iss := New(store, keys.HashDeriver{}, nil, nil, discard())
		iss.maxAttempts = workers + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := *acc
			_, err := iss.Issue(context.Background(), &a, chainID, usdc)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	addrs, err := store.ListDepositAddresses(context.Background(), "acc_1")
	require.NoError(t, err)
	require.Len(t, addrs, workers)

	seen := make(map[string]bool)
	for i, a := range addrs {
		assert.Equal(t, uint64(i), a.Nonce)
		assert.False(t, seen[a.Address], "address reused")
		seen[a.Address] = true
	}
}
