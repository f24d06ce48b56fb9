package payments

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/storage"
	"github.com/suspectuso/deposit-tracker/internal/watcher"
)

// Run consumes watcher outcomes until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("payment event loop started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info("payment event loop stopped")
			return nil
		case det := <-s.watchers.Detections():
			s.HandleDetection(ctx, det)
		case ev := <-s.watchers.Stops():
			s.HandleStopped(ctx, ev)
		}
	}
}

// HandleDetection completes the session a watcher detected a transfer for.
// This is the only place funding is recorded from a live detection.
func (s *Service) HandleDetection(ctx context.Context, det watcher.Detection) {
	ps, err := s.settle(ctx, det.PaymentID, func() (*storage.PaymentSession, error) {
		return s.sessions.Complete(ctx, det.PaymentID, det.TxHash.Hex(), det.From.Hex(), det.Amount)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			s.log.Warn("detection for inactive session",
				"payment_id", det.PaymentID,
				"tx_hash", det.TxHash.Hex(),
				"amount", det.Amount,
			)
			return
		}
		s.log.Error("complete session",
			"payment_id", det.PaymentID,
			"tx_hash", det.TxHash.Hex(),
			"error", err,
		)
		return
	}

	s.log.Info("payment completed",
		"payment_id", ps.PaymentID,
		"account_id", ps.AccountID,
		"amount", ps.ActualAmount,
		"expected", ps.TokenAmount,
		"from", ps.FromAddress,
		"tx_hash", ps.TxHash,
	)

	s.notify(ctx, ps)
}

func (s *Service) notify(ctx context.Context, ps *storage.PaymentSession) {
	if s.notifier == nil {
		return
	}

	acc, err := s.store.GetAccount(ctx, ps.AccountID)
	if err != nil {
		s.log.Warn("load account for notification", "account_id", ps.AccountID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()

	if err := s.notifier.PaymentReceived(ctx, acc, ps); err != nil {
		s.log.Error("send payment notification", "payment_id", ps.PaymentID, "error", err)
	}
}

// HandleStopped expires the session of a watcher that timed out
func (s *Service) HandleStopped(ctx context.Context, ev watcher.Stopped) {
	if ev.Reason != watcher.ReasonTimeout {
		return
	}

	_, err := s.settle(ctx, ev.PaymentID, func() (*storage.PaymentSession, error) {
		return s.sessions.Expire(ctx, ev.PaymentID)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidTransition) {
			s.log.Debug("timeout for inactive session", "payment_id", ev.PaymentID)
			return
		}
		s.log.Error("expire session", "payment_id", ev.PaymentID, "error", err)
		return
	}

	s.log.Info("payment expired", "payment_id", ev.PaymentID, "address", ev.Address.Hex())
}

// settle applies a terminal transition. A watcher can report before the
// session it serves is marked listening, so a session still pending is moved
// to listening first and the transition is applied again.
func (s *Service) settle(ctx context.Context, paymentID string, apply func() (*storage.PaymentSession, error)) (*storage.PaymentSession, error) {
	ps, err := apply()
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		return ps, err
	}

	cur, getErr := s.sessions.Get(ctx, paymentID)
	if getErr != nil || cur.Status != storage.StatusPending {
		return nil, err
	}

	// losing this race to activate leaves the session listening all the same
	if _, lerr := s.sessions.MarkListening(ctx, paymentID); lerr != nil && !errors.Is(lerr, apperr.ErrInvalidTransition) {
		return nil, lerr
	}
	s.log.Debug("watcher outcome before listening", "payment_id", paymentID)
	return apply()
}

// Resume restores tracking after a restart. Listening sessions get a watcher
// for their remaining time or expire, pending sessions are retried until
// their deadline and cancelled after it.
func (s *Service) Resume(ctx context.Context) error {
	now := s.now()

	listening, err := s.sessions.ListByStatus(ctx, storage.StatusListening)
	if err != nil {
		return err
	}

	var resumed, expired int
	for i := range listening {
		ps := &listening[i]
		remaining := ps.ExpiresAt.Sub(now)
		if remaining <= 0 {
			if _, err := s.sessions.Expire(ctx, ps.PaymentID); err != nil {
				s.log.Warn("expire stale session", "payment_id", ps.PaymentID, "error", err)
				continue
			}
			expired++
			continue
		}

		if _, err := s.startWatcher(ps, remaining); err != nil {
			s.log.Warn("resume watcher", "payment_id", ps.PaymentID, "error", err)
			continue
		}
		resumed++
	}

	pending, err := s.sessions.ListByStatus(ctx, storage.StatusPending)
	if err != nil {
		return err
	}

	var retried, cancelled int
	for i := range pending {
		ps := &pending[i]
		remaining := ps.ExpiresAt.Sub(now)
		if remaining <= 0 {
			if _, err := s.sessions.Cancel(ctx, ps.PaymentID); err != nil {
				s.log.Warn("cancel stale pending session", "payment_id", ps.PaymentID, "error", err)
				continue
			}
			cancelled++
			continue
		}

		if _, err := s.startWatcher(ps, remaining); err != nil {
			s.log.Warn("retry pending watcher", "payment_id", ps.PaymentID, "error", err)
			continue
		}
		if err := s.activate(ctx, ps); err != nil {
			s.log.Warn("mark resumed session listening", "payment_id", ps.PaymentID, "error", err)
			continue
		}
		retried++
	}

	s.log.Info("sessions resumed",
		"resumed", resumed,
		"expired", expired,
		"pending_retried", retried,
		"pending_cancelled", cancelled,
	)
	return nil
}

// Reconcile checks predicted wallets not yet known to be deployed and records
// the ones that now are. It returns how many were marked deployed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	addrs, err := s.store.ListUndeployedWallets(ctx)
	if err != nil {
		return 0, err
	}

	deployed := 0
	for _, a := range addrs {
		if ctx.Err() != nil {
			return deployed, ctx.Err()
		}

		pred, ok := s.predictors.For(a.ChainID)
		if !ok {
			continue
		}

		isDeployed, err := pred.IsDeployedAt(ctx, common.HexToAddress(a.PredictedWalletAddress))
		if err != nil {
			s.log.Warn("check wallet deployment",
				"account_id", a.AccountID,
				"nonce", a.Nonce,
				"wallet", a.PredictedWalletAddress,
				"error", err,
			)
			continue
		}
		if !isDeployed {
			continue
		}

		if err := s.store.MarkWalletDeployed(ctx, a.AccountID, a.Nonce); err != nil {
			s.log.Error("mark wallet deployed", "account_id", a.AccountID, "nonce", a.Nonce, "error", err)
			continue
		}
		deployed++
	}

	if deployed > 0 {
		s.log.Info("wallets reconciled", "checked", len(addrs), "deployed", deployed)
	}
	return deployed, nil
}

// RunReconciler calls Reconcile every interval until ctx is cancelled
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reconcile wallets", "error", err)
			}
		}
	}
}
