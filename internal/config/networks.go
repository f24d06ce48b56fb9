package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v3"

	"github.com/suspectuso/deposit-tracker/internal/chain"
)

// File is the networks file: the chains to watch and the accounts to seed
type File struct {
	Networks []Network `yaml:"networks"`
	Accounts []Account `yaml:"accounts"`
}

// Network is one EVM chain
type Network struct {
	ChainID            int64  `yaml:"chain_id"`
	Name               string `yaml:"name"`
	RPCURL             string `yaml:"rpc_url"`
	WSURL              string `yaml:"ws_url"`
	ExplorerURL        string `yaml:"explorer_url"`
	WalletFactory      string `yaml:"wallet_factory"`
	WalletInitCodeHash string `yaml:"wallet_init_code_hash"`
}

// Endpoint returns the WebSocket URL when set, else the HTTP one
func (n Network) Endpoint() string {
	if n.WSURL != "" {
		return n.WSURL
	}
	return n.RPCURL
}

// HasWalletFactory reports whether counterfactual wallets are predicted on this chain
func (n Network) HasWalletFactory() bool {
	return n.WalletFactory != ""
}

// Account is a payee seeded at startup
type Account struct {
	ID                string  `yaml:"id"`
	ViewingKey        string  `yaml:"viewing_key"`
	SpendingPublicKey string  `yaml:"spending_public_key"`
	TelegramChatID    int64   `yaml:"telegram_chat_id"`
	Tokens            []Token `yaml:"tokens"`
}

// Token is a (chain, token) pair an account accepts
type Token struct {
	ChainID int64  `yaml:"chain_id"`
	Token   string `yaml:"token"`
}

// LoadFile reads and validates a networks file. ${VAR} references are
// expanded from the environment so RPC keys stay out of the file.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}
	return ParseFile([]byte(os.ExpandEnv(string(raw))))
}

// ParseFile decodes and validates networks file content
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse networks file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks networks and accounts for consistency
func (f *File) Validate() error {
	if len(f.Networks) == 0 {
		return errors.New("networks file: at least one network required")
	}

	known := make(map[int64]bool, len(f.Networks))
	for i, n := range f.Networks {
		if n.ChainID <= 0 {
			return fmt.Errorf("network %d: chain_id must be positive", i)
		}
		if known[n.ChainID] {
			return fmt.Errorf("network %d: duplicate chain_id %d", i, n.ChainID)
		}
		known[n.ChainID] = true

		if n.Name == "" {
			return fmt.Errorf("chain %d: name required", n.ChainID)
		}
		if n.Endpoint() == "" {
			return fmt.Errorf("chain %d: rpc_url or ws_url required", n.ChainID)
		}
		if (n.WalletFactory == "") != (n.WalletInitCodeHash == "") {
			return fmt.Errorf("chain %d: wallet_factory and wallet_init_code_hash go together", n.ChainID)
		}
		if n.WalletFactory != "" && !common.IsHexAddress(n.WalletFactory) {
			return fmt.Errorf("chain %d: invalid wallet_factory %q", n.ChainID, n.WalletFactory)
		}
		if n.WalletInitCodeHash != "" && !isHash(n.WalletInitCodeHash) {
			return fmt.Errorf("chain %d: invalid wallet_init_code_hash", n.ChainID)
		}
	}

	seen := make(map[string]bool, len(f.Accounts))
	for i, a := range f.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account %d: id required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("account %s: duplicate id", a.ID)
		}
		seen[a.ID] = true

		if a.ViewingKey == "" || a.SpendingPublicKey == "" {
			return fmt.Errorf("account %s: viewing_key and spending_public_key required", a.ID)
		}
		for _, t := range a.Tokens {
			if !known[t.ChainID] {
				return fmt.Errorf("account %s: unknown chain_id %d", a.ID, t.ChainID)
			}
			if _, _, err := chain.ParseToken(t.Token); err != nil {
				return fmt.Errorf("account %s: %w", a.ID, err)
			}
		}
	}

	return nil
}

// DefaultChainID returns the first configured chain
func (f *File) DefaultChainID() int64 {
	if len(f.Networks) == 0 {
		return 0
	}
	return f.Networks[0].ChainID
}

// ExplorerURLs maps chain IDs to block explorer base URLs
func (f *File) ExplorerURLs() map[int64]string {
	out := make(map[int64]string)
	for _, n := range f.Networks {
		if n.ExplorerURL != "" {
			out[n.ChainID] = n.ExplorerURL
		}
	}
	return out
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
