package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/suspectuso/deposit-tracker/internal/chain"
	"github.com/suspectuso/deposit-tracker/internal/config"
	"github.com/suspectuso/deposit-tracker/internal/httpapi"
	"github.com/suspectuso/deposit-tracker/internal/issuer"
	"github.com/suspectuso/deposit-tracker/internal/keys"
	"github.com/suspectuso/deposit-tracker/internal/metrics"
	"github.com/suspectuso/deposit-tracker/internal/notifier"
	"github.com/suspectuso/deposit-tracker/internal/payments"
	"github.com/suspectuso/deposit-tracker/internal/session"
	"github.com/suspectuso/deposit-tracker/internal/storage"
	"github.com/suspectuso/deposit-tracker/internal/watcher"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	// Load config
	cfg := config.Load()

	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(log)

	if envErr != nil {
		log.Debug("no .env file found")
	}

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	file, err := config.LoadFile(cfg.NetworksFile)
	if err != nil {
		return err
	}
	defaultChain := cfg.DefaultChainID
	if defaultChain == 0 {
		defaultChain = file.DefaultChainID()
	}

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	if err := seedAccounts(ctx, store, file.Accounts, log); err != nil {
		return err
	}

	m := metrics.Default()

	// Connect chains
	var networks []chain.Network
	predictors := make(keys.Predictors)
	for _, n := range file.Networks {
		reader, err := chain.Dial(ctx, n.Endpoint(), chain.EVMConfig{
			ChainID:      n.ChainID,
			RateLimit:    cfg.RPCRateLimit,
			CallTimeout:  cfg.RPCTimeout,
			PollInterval: cfg.PollInterval,
		}, m, log.With("chain_id", n.ChainID))
		if err != nil {
			return err
		}
		defer reader.Close()

		networks = append(networks, chain.Network{ChainID: n.ChainID, Name: n.Name, Reader: reader})
		if n.HasWalletFactory() {
			predictors[n.ChainID] = keys.NewCreate2Predictor(
				common.HexToAddress(n.WalletFactory),
				common.HexToHash(n.WalletInitCodeHash),
				reader,
			)
		}
		log.Info("chain connected", "chain_id", n.ChainID, "name", n.Name, "wallet_factory", n.WalletFactory)
	}
	readers := chain.NewReaders(networks...)

	registry := watcher.NewRegistry(readers, watcher.Options{
		PollInterval: cfg.PollInterval,
		MaxLookback:  cfg.MaxLookbackBlocks,
		EventBuffer:  cfg.EventBuffer,
	}, m, log)

	// Initialize notifier
	notify, err := notifier.NewTelegram(cfg.BotToken, file.ExplorerURLs(), log)
	if err != nil {
		log.Error("init telegram bot, notifications disabled", "error", err)
		notify = notifier.New(nil, nil, log)
	}

	svc := payments.New(payments.Config{
		DefaultChainID: defaultChain,
		WatchTimeout:   cfg.WatchTimeout,
	}, payments.Deps{
		Store:      store,
		Issuer:     issuer.New(store, keys.HashDeriver{}, predictors, m, log),
		Sessions:   session.New(store, m, log),
		Watchers:   registry,
		Networks:   readers,
		Predictors: predictors,
		Notifier:   notify,
	}, log)

	api := httpapi.NewServer(svc, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Start(gctx, cfg.HTTPPort) })
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return svc.RunReconciler(gctx, cfg.ReconcileInterval) })

	if err := svc.Resume(gctx); err != nil {
		log.Error("resume sessions", "error", err)
	}

	err = g.Wait()

	log.Info("shutting down...")
	stopped := registry.Close()
	log.Info("watchers stopped", "count", stopped)

	return err
}

// seedAccounts registers the accounts of the networks file. Existing nonces
// are kept.
func seedAccounts(ctx context.Context, store *storage.Storage, accounts []config.Account, log *slog.Logger) error {
	for _, a := range accounts {
		tokens := make([]storage.TokenRef, 0, len(a.Tokens))
		for _, t := range a.Tokens {
			tokens = append(tokens, storage.TokenRef{ChainID: t.ChainID, Token: chain.NormalizeToken(t.Token)})
		}

		err := store.UpsertAccount(ctx, storage.Account{
			ID:                a.ID,
			ViewingKey:        a.ViewingKey,
			SpendingPublicKey: a.SpendingPublicKey,
			TelegramChatID:    a.TelegramChatID,
			Tokens:            tokens,
		})
		if err != nil {
			return err
		}
	}

	if len(accounts) > 0 {
		log.Info("accounts seeded", "count", len(accounts))
	}
	return nil
}
