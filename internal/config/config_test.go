package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFile = `
networks:
  - chain_id: 8453
    name: base
    rpc_url: https://base.example/${TEST_RPC_KEY}
    explorer_url: https://basescan.org
    wallet_factory: "0x0000000000000000000000000000000000001234"
    wallet_init_code_hash: "0x1111111111111111111111111111111111111111111111111111111111111111"
  - chain_id: 1
    name: ethereum
    rpc_url: https://eth.example
    ws_url: wss://eth.example/ws
accounts:
  - id: acc_1
    viewing_key: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
    spending_public_key: "0x02"
    telegram_chat_id: 42
    tokens:
      - chain_id: 8453
        token: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
      - chain_id: 1
        token: native
`

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"DB_PATH", "HTTP_PORT", "WATCH_TIMEOUT", "POLL_INTERVAL", "MAX_LOOKBACK_BLOCKS", "LOG_LEVEL", "DEFAULT_CHAIN_ID"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "./deposits.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 3*time.Minute, cfg.WatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(100), cfg.MaxLookbackBlocks)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Zero(t, cfg.DefaultChainID)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WATCH_TIMEOUT", "90s")
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	t.Setenv("MAX_LOOKBACK_BLOCKS", "500")
	t.Setenv("RPC_RATE_LIMIT", "2.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DEFAULT_CHAIN_ID", "8453")

	cfg := Load()
	assert.Equal(t, 90*time.Second, cfg.WatchTimeout)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, uint64(500), cfg.MaxLookbackBlocks)
	assert.Equal(t, 2.5, cfg.RPCRateLimit)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, int64(8453), cfg.DefaultChainID)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("TEST_RPC_KEY", "secret")
	path := filepath.Join(t.TempDir(), "networks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, f.Networks, 2)

	base := f.Networks[0]
	assert.Equal(t, "https://base.example/secret", base.Endpoint())
	assert.True(t, base.HasWalletFactory())
	assert.Equal(t, "wss://eth.example/ws", f.Networks[1].Endpoint())
	assert.False(t, f.Networks[1].HasWalletFactory())

	assert.Equal(t, int64(8453), f.DefaultChainID())
	assert.Equal(t, map[int64]string{8453: "https://basescan.org"}, f.ExplorerURLs())

	require.Len(t, f.Accounts, 1)
	assert.Equal(t, int64(42), f.Accounts[0].TelegramChatID)
	assert.Len(t, f.Accounts[0].Tokens, 2)
}

func TestParseFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no networks", yaml: `networks: []`},
		{name: "duplicate chain", yaml: `
networks:
  - {chain_id: 1, name: a, rpc_url: http://a}
  - {chain_id: 1, name: b, rpc_url: http://b}`},
		{name: "no endpoint", yaml: `
networks:
  - {chain_id: 1, name: a}`},
		{name: "factory without hash", yaml: `
networks:
  - {chain_id: 1, name: a, rpc_url: http://a, wallet_factory: "0x0000000000000000000000000000000000001234"}`},
		{name: "bad init hash", yaml: `
networks:
  - {chain_id: 1, name: a, rpc_url: http://a, wallet_factory: "0x0000000000000000000000000000000000001234", wallet_init_code_hash: "0x12"}`},
		{name: "account on unknown chain", yaml: `
networks:
  - {chain_id: 1, name: a, rpc_url: http://a}
accounts:
  - {id: acc_1, viewing_key: "0x01", spending_public_key: "0x02", tokens: [{chain_id: 2, token: native}]}`},
		{name: "bad token", yaml: `
networks:
  - {chain_id: 1, name: a, rpc_url: http://a}
accounts:
  - {id: acc_1, viewing_key: "0x01", spending_public_key: "0x02", tokens: [{chain_id: 1, token: usdc}]}`},
		{name: "malformed", yaml: `networks: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestIsHash(t *testing.T) {
	assert.True(t, isHash("0x1111111111111111111111111111111111111111111111111111111111111111"))
	assert.True(t, isHash("0xABCDEFabcdef0000000000000000000000000000000000000000000000000000"))
	assert.False(t, isHash("1111111111111111111111111111111111111111111111111111111111111111"))
	assert.False(t, isHash("0x11"))
	assert.False(t, isHash("0x111111111111111111111111111111111111111111111111111111111111111g"))
}
