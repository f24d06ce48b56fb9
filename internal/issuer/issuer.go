// Package issuer hands out one-time deposit addresses from an account's nonce sequence.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/chain"
	"github.com/suspectuso/deposit-tracker/internal/keys"
	"github.com/suspectuso/deposit-tracker/internal/metrics"
	"github.com/suspectuso/deposit-tracker/internal/storage"
)

const defaultMaxAttempts = 5

// Store is the persistence the issuer needs
type Store interface {
	GetAccount(ctx context.Context, id string) (*storage.Account, error)
	IssueAddress(ctx context.Context, expectedNonce uint64, addr storage.DepositAddress) error
}

// Issuer derives deposit addresses and advances account nonces
type Issuer struct {
	store      Store
	deriver    keys.Deriver
	predictors keys.Predictors
	metrics    *metrics.Metrics
	log        *slog.Logger

	maxAttempts int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new Issuer
func New(store Store, deriver keys.Deriver, predictors keys.Predictors, m *metrics.Metrics, log *slog.Logger) *Issuer {
	return &Issuer{
		store:       store,
		deriver:     deriver,
		predictors:  predictors,
		metrics:     m,
		log:         log,
		maxAttempts: defaultMaxAttempts,
		locks:       make(map[string]*sync.Mutex),
	}
}

func (i *Issuer) accountLock(accountID string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()

	l, ok := i.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		i.locks[accountID] = l
	}
	return l
}

// Issue derives the address for the account's current nonce and advances the
// nonce. The nonce only moves once the address is computed and recorded, so a
// failure before that point leaves it untouched for a retry.
func (i *Issuer) Issue(ctx context.Context, acc *storage.Account, chainID int64, token string) (*storage.DepositAddress, error) {
	if !acc.Supports(chainID, chain.NormalizeToken(token)) {
		i.metrics.Issued("rejected")
		return nil, fmt.Errorf("%w: account %s does not accept %s on chain %d", apperr.ErrValidation, acc.ID, token, chainID)
	}

	l := i.accountLock(acc.ID)
	l.Lock()
	defer l.Unlock()

	nonce := acc.Nonce
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		dep, err := i.derive(ctx, acc, nonce, chainID)
		if err != nil {
			i.metrics.Issued("derivation_failed")
			return nil, err
		}

		err = i.store.IssueAddress(ctx, nonce, *dep)
		switch {
		case err == nil:
			i.metrics.Issued("issued")
			i.log.Info("deposit address issued",
				"account_id", acc.ID,
				"nonce", nonce,
				"chain_id", chainID,
				"address", dep.Address,
				"predicted_wallet", dep.PredictedWalletAddress,
			)
			return dep, nil

		case errors.Is(err, storage.ErrNonceConflict), errors.Is(err, storage.ErrAlreadyExists):
			fresh, err := i.store.GetAccount(ctx, acc.ID)
			if err != nil {
				return nil, fmt.Errorf("reload account: %w", err)
			}
			i.log.Debug("nonce moved, retrying", "account_id", acc.ID, "stale", nonce, "current", fresh.Nonce)
			nonce = fresh.Nonce

		case errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("%w: account %s", apperr.ErrNotFound, acc.ID)

		default:
			i.metrics.Issued("store_failed")
			return nil, fmt.Errorf("record deposit address: %w", err)
		}
	}

	i.metrics.Issued("contended")
	return nil, fmt.Errorf("issue address for %s: nonce contention after %d attempts", acc.ID, i.maxAttempts)
}

func (i *Issuer) derive(ctx context.Context, acc *storage.Account, nonce uint64, chainID int64) (*storage.DepositAddress, error) {
	addr, err := i.deriver.Derive(acc.ViewingKey, nonce, chainID)
	if err != nil {
		if !errors.Is(err, apperr.ErrDerivation) {
			err = fmt.Errorf("%w: %w", apperr.ErrDerivation, err)
		}
		return nil, err
	}

	dep := &storage.DepositAddress{
		AccountID: acc.ID,
		Nonce:     nonce,
		Address:   addr.Hex(),
		ChainID:   chainID,
	}

	pred, ok := i.predictors.For(chainID)
	if !ok {
		return dep, nil
	}

	p, err := pred.Predict(ctx, addr)
	if err != nil {
		i.log.Warn("predict wallet address",
			"account_id", acc.ID,
			"nonce", nonce,
			"chain_id", chainID,
			"error", err,
		)
		return dep, nil
	}

	dep.PredictedWalletAddress = p.WalletAddress.Hex()
	dep.IsWalletDeployed = p.IsDeployed
	return dep, nil
}
