// Package payments ties address issuance, payment sessions and chain watchers
// together and turns watcher outcomes into session transitions.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/chain"
	"github.com/suspectuso/deposit-tracker/internal/keys"
	"github.com/suspectuso/deposit-tracker/internal/session"
	"github.com/suspectuso/deposit-tracker/internal/storage"
	"github.com/suspectuso/deposit-tracker/internal/watcher"
)

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// Store is the persistence the service reads accounts and wallets from
type Store interface {
	GetAccount(ctx context.Context, id string) (*storage.Account, error)
	ListUndeployedWallets(ctx context.Context) ([]storage.DepositAddress, error)
	MarkWalletDeployed(ctx context.Context, accountID string, nonce uint64) error
}

// Issuer hands out deposit addresses
type Issuer interface {
	Issue(ctx context.Context, acc *storage.Account, chainID int64, token string) (*storage.DepositAddress, error)
}

// Watchers is the watcher registry. *watcher.Registry implements it.
type Watchers interface {
	StartWatching(cfg watcher.Config) (string, error)
	StopWatching(id string, reason watcher.StopReason) bool
	Get(id string) (watcher.Info, bool)
	List() []watcher.Info
	Detections() <-chan watcher.Detection
	Stops() <-chan watcher.Stopped
}

// Networks resolves chain IDs. *chain.Readers implements it.
type Networks interface {
	Get(chainID int64) (chain.Network, error)
}

// Notifier tells a payee about a completed payment
type Notifier interface {
	PaymentReceived(ctx context.Context, acc *storage.Account, ps *storage.PaymentSession) error
}

// Config holds the service settings
type Config struct {
	DefaultChainID int64
	WatchTimeout   time.Duration
	NotifyTimeout  time.Duration
}

// Deps are the collaborators of the service
type Deps struct {
	Store      Store
	Issuer     Issuer
	Sessions   *session.Store
	Watchers   Watchers
	Networks   Networks
	Predictors keys.Predictors
	Notifier   Notifier // optional
}

// Service is the payment orchestrator
type Service struct {
	cfg        Config
	store      Store
	issuer     Issuer
	sessions   *session.Store
	watchers   Watchers
	networks   Networks
	predictors keys.Predictors
	notifier   Notifier
	log        *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a new Service
func New(cfg Config, deps Deps, log *slog.Logger) *Service {
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 3 * time.Minute
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		issuer:     deps.Issuer,
		sessions:   deps.Sessions,
		watchers:   deps.Watchers,
		networks:   deps.Networks,
		predictors: deps.Predictors,
		notifier:   deps.Notifier,
		log:        log,
		now:        time.Now,
		newID:      newPaymentID,
	}
}

func newPaymentID() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestPayment returns a deposit address the client should pay into, reusing
// the device's live session when there is one. A watcher that fails to start
// does not fail the request: the session stays pending and the address is
// still returned.
func (s *Service) RequestPayment(ctx context.Context, accountID string, req Request) (*Response, error) {
	chainID := req.ChainID
	if chainID == 0 {
		chainID = s.cfg.DefaultChainID
	}

	network, err := s.networks.Get(chainID)
	if err != nil {
		return nil, err
	}
	if _, _, err := chain.ParseToken(req.TokenAddress); err != nil {
		return nil, err
	}
	if err := validateAmount(req.TokenAmount); err != nil {
		return nil, err
	}
	token := chain.NormalizeToken(req.TokenAddress)

	acc, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: account %s", apperr.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if !acc.Supports(chainID, token) {
		return nil, fmt.Errorf("%w: account %s does not accept %s on chain %d", apperr.ErrValidation, accountID, token, chainID)
	}

	if req.DeviceID != "" && req.reuse() {
		prior, err := s.sessions.GetReusableSession(ctx, req.DeviceID, accountID)
		if err != nil {
			s.log.Warn("device session lookup", "device_id", req.DeviceID, "account_id", accountID, "error", err)
		}
		if prior != nil && prior.ChainID == chainID && prior.TokenAddress == token {
			s.log.Info("reusing payment session", "payment_id", prior.PaymentID, "device_id", req.DeviceID)
			resp := s.response(prior, network.Name)
			resp.Reused = true
			return resp, nil
		}
	}

	dep, err := s.issuer.Issue(ctx, acc, chainID, token)
	if err != nil {
		return nil, err
	}

	watchAddr := dep.Address
	if dep.PredictedWalletAddress != "" {
		watchAddr = dep.PredictedWalletAddress
	}

	ps := &storage.PaymentSession{
		PaymentID:    s.newID(),
		AccountID:    acc.ID,
		DeviceID:     req.DeviceID,
		Nonce:        dep.Nonce,
		Address:      dep.Address,
		WatchAddress: watchAddr,
		TokenAddress: token,
		ChainID:      chainID,
		TokenAmount:  req.TokenAmount,
		ExpiresAt:    s.now().Add(s.cfg.WatchTimeout),
	}
	if err := s.sessions.Create(ctx, ps); err != nil {
		s.log.Error("create session, nonce consumed",
			"account_id", acc.ID,
			"nonce", dep.Nonce,
			"address", dep.Address,
			"error", err,
		)
		return nil, err
	}

	if _, err := s.startWatcher(ps, s.cfg.WatchTimeout); err != nil {
		s.log.Warn("start watcher, session left pending",
			"payment_id", ps.PaymentID,
			"address", watchAddr,
			"error", err,
		)
		return s.response(ps, network.Name), nil
	}

	if err := s.activate(ctx, ps); err != nil {
		s.log.Error("mark session listening", "payment_id", ps.PaymentID, "error", err)
	}

	return s.response(ps, network.Name), nil
}

// activate marks a session with a running watcher as listening and points its
// device at it
func (s *Service) activate(ctx context.Context, ps *storage.PaymentSession) error {
	updated, err := s.sessions.MarkListening(ctx, ps.PaymentID)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		// the watcher already reported and the event loop moved the session on
		if cur, getErr := s.sessions.Get(ctx, ps.PaymentID); getErr == nil && cur.Status != storage.StatusPending {
			if !cur.Status.IsActive() {
				s.watchers.StopWatching(watcherID(ps), watcher.ReasonCancelled)
			}
			*ps = *cur
			return nil
		}
	}
	if err != nil {
		s.watchers.StopWatching(watcherID(ps), watcher.ReasonCancelled)
		return err
	}
	*ps = *updated

	if err := s.sessions.TouchDevice(ctx, ps); err != nil {
		s.log.Warn("update device session", "device_id", ps.DeviceID, "payment_id", ps.PaymentID, "error", err)
	}
	return nil
}

func validateAmount(amount string) error {
	if !amountPattern.MatchString(amount) {
		return fmt.Errorf("%w: invalid token amount %q", apperr.ErrValidation, amount)
	}
	r, ok := new(big.Rat).SetString(amount)
	if !ok || r.Sign() <= 0 {
		return fmt.Errorf("%w: token amount must be positive", apperr.ErrValidation)
	}
	return nil
}

func watcherConfig(ps *storage.PaymentSession, timeout time.Duration) (watcher.Config, error) {
	token, native, err := chain.ParseToken(ps.TokenAddress)
	if err != nil {
		return watcher.Config{}, err
	}
	if !common.IsHexAddress(ps.WatchAddress) {
		return watcher.Config{}, fmt.Errorf("%w: bad watch address %q", apperr.ErrValidation, ps.WatchAddress)
	}
	return watcher.Config{
		PaymentID: ps.PaymentID,
		Address:   common.HexToAddress(ps.WatchAddress),
		Token:     token,
		Native:    native,
		ChainID:   ps.ChainID,
		Timeout:   timeout,
	}, nil
}

func watcherID(ps *storage.PaymentSession) string {
	return watcher.ID(ps.PaymentID, common.HexToAddress(ps.WatchAddress))
}

func (s *Service) startWatcher(ps *storage.PaymentSession, timeout time.Duration) (string, error) {
	cfg, err := watcherConfig(ps, timeout)
	if err != nil {
		return "", err
	}
	return s.watchers.StartWatching(cfg)
}

func (s *Service) response(ps *storage.PaymentSession, chainName string) *Response {
	resp := &Response{
		Address:      ps.Address,
		ChainID:      ps.ChainID,
		ChainName:    chainName,
		TokenAddress: ps.TokenAddress,
		TokenAmount:  ps.TokenAmount,
		PaymentID:    ps.PaymentID,
	}
	if ps.WatchAddress != ps.Address {
		resp.PredictedWalletAddress = ps.WatchAddress
	}
	if info, ok := s.watchers.Get(watcherID(ps)); ok {
		resp.Watcher = newWatcherView(info)
	}
	return resp
}

// GetStatus returns the state of a payment with its live watcher, if any
func (s *Service) GetStatus(ctx context.Context, paymentID string) (*Status, error) {
	ps, err := s.sessions.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	st := newStatus(ps)
	if info, ok := s.watchers.Get(watcherID(ps)); ok {
		st.Watcher = newWatcherView(info)
	}
	return st, nil
}

// Cancel abandons an active payment and stops its watcher
func (s *Service) Cancel(ctx context.Context, paymentID string) (*Status, error) {
	ps, err := s.sessions.Cancel(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	s.watchers.StopWatching(watcherID(ps), watcher.ReasonCancelled)
	s.log.Info("payment cancelled", "payment_id", paymentID)
	return newStatus(ps), nil
}

// ActiveWatchers lists the running watchers, oldest first
func (s *Service) ActiveWatchers() []ActiveWatcher {
	infos := s.watchers.List()
	out := make([]ActiveWatcher, 0, len(infos))
	for _, info := range infos {
		out = append(out, ActiveWatcher{
			ID:               info.ID,
			PaymentID:        info.Config.PaymentID,
			Address:          info.Config.Address.Hex(),
			ChainID:          info.Config.ChainID,
			Mode:             info.Config.Mode(),
			StartedAt:        info.StartedAt,
			RemainingSeconds: int64(info.Remaining / time.Second),
			LastChecked:      info.LastChecked,
		})
	}
	return out
}
