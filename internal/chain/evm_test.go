package chain

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
)

var (
	usdc     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	payee    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sender   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	stranger = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeEthClient struct {
	mu        sync.Mutex
	height    uint64
	heightErr error
	logs      []types.Log
	logsErr   error
	callOut   []byte
	callErr   error
	calls     int
	code      []byte
}

func (f *fakeEthClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, f.heightErr
}

func (f *fakeEthClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, f.logsErr
}

func (f *fakeEthClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.callOut, f.callErr
}

func (f *fakeEthClient) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeEthClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return nil, errors.New("notifications not supported")
}

func (f *fakeEthClient) setHeight(h uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height = h
}

type fakeCaller struct {
	responses map[string]string
}

func (f *fakeCaller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	raw, ok := f.responses[method]
	if !ok {
		return errors.New("method not found")
	}
	return json.Unmarshal([]byte(raw), result)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestReader(client EthClient, caller RPCCaller) *EVMReader {
	return NewEVMReader(client, caller, EVMConfig{ChainID: 8453, PollInterval: 5 * time.Millisecond}, nil, testLogger())
}

func transferLog(from, to common.Address, value int64) types.Log {
	return types.Log{
		Address: usdc,
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		TxHash:      common.HexToHash("0xabc"),
		BlockNumber: 42,
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		name     string
		value    *big.Int
		decimals uint8
		want     string
	}{
		{name: "whole", value: big.NewInt(10_000_000), decimals: 6, want: "10"},
		{name: "fraction", value: big.NewInt(1_500_000), decimals: 6, want: "1.5"},
		{name: "leading zeros", value: big.NewInt(5), decimals: 6, want: "0.000005"},
		{name: "zero decimals", value: big.NewInt(7), decimals: 0, want: "7"},
		{name: "nil", value: nil, decimals: 18, want: "0"},
		{name: "negative", value: big.NewInt(-2_500_000), decimals: 6, want: "-2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUnits(tt.value, tt.decimals))
		})
	}
}

func TestParseToken(t *testing.T) {
	_, native, err := ParseToken("NATIVE")
	require.NoError(t, err)
	assert.True(t, native)

	_, native, err = ParseToken("0x0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.True(t, native)

	addr, native, err := ParseToken("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	require.NoError(t, err)
	assert.False(t, native)
	assert.Equal(t, usdc, addr)

	_, _, err = ParseToken("usdc")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.Equal(t, "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", NormalizeToken("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"))
	assert.Equal(t, NativeToken, NormalizeToken("Native"))
}

func TestTransferLogs_DecodesMatches(t *testing.T) {
	removed := transferLog(sender, payee, 1)
	removed.Removed = true

	client := &fakeEthClient{logs: []types.Log{
		transferLog(sender, payee, 10_000_000),
		transferLog(sender, stranger, 3),
		removed,
		{Address: usdc, Topics: []common.Hash{common.HexToHash("0x01")}},
	}}
	r := newTestReader(client, &fakeCaller{})

	logs, err := r.TransferLogs(context.Background(), usdc, payee, 1, 42)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, sender, logs[0].From)
	assert.Equal(t, payee, logs[0].To)
	assert.Equal(t, int64(10_000_000), logs[0].Value.Int64())
	assert.Equal(t, uint64(42), logs[0].BlockNumber)
}

func TestTransferLogs_WrapsRPCError(t *testing.T) {
	r := newTestReader(&fakeEthClient{logsErr: errors.New("boom")}, &fakeCaller{})

	_, err := r.TransferLogs(context.Background(), usdc, payee, 1, 2)
	assert.ErrorIs(t, err, apperr.ErrRPC)
}

func TestDecimals_CachesSuccess(t *testing.T) {
	client := &fakeEthClient{callOut: common.LeftPadBytes([]byte{6}, 32)}
	r := newTestReader(client, &fakeCaller{})

	d, err := r.Decimals(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)

	d, err = r.Decimals(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)
	assert.Equal(t, 1, client.calls)
}

func TestDecimals_Failure(t *testing.T) {
	r := newTestReader(&fakeEthClient{callErr: errors.New("execution reverted")}, &fakeCaller{})

	_, err := r.Decimals(context.Background(), usdc)
	assert.ErrorIs(t, err, apperr.ErrRPC)
}

func TestBlockByNumber(t *testing.T) {
	caller := &fakeCaller{responses: map[string]string{
		"eth_getBlockByNumber": `{
			"number": "0x2a",
			"hash": "0x00000000000000000000000000000000000000000000000000000000000000aa",
			"transactions": [
				{"hash": "0x00000000000000000000000000000000000000000000000000000000000000bb",
				 "from": "0x2222222222222222222222222222222222222222",
				 "to": "0x1111111111111111111111111111111111111111",
				 "value": "0xde0b6b3a7640000"},
				{"hash": "0x00000000000000000000000000000000000000000000000000000000000000cc",
				 "from": "0x2222222222222222222222222222222222222222",
				 "to": null,
				 "value": "0x0"}
			]
		}`,
	}}
	r := newTestReader(&fakeEthClient{}, caller)

	block, err := r.BlockByNumber(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), block.Number)
	require.Len(t, block.Transactions, 2)

	tx := block.Transactions[0]
	require.NotNil(t, tx.To)
	assert.Equal(t, payee, *tx.To)
	assert.Equal(t, sender, tx.From)
	assert.Equal(t, "1", FormatUnits(tx.Value, DefaultDecimals))
	assert.Equal(t, uint64(42), tx.BlockNumber)
	assert.Nil(t, block.Transactions[1].To)
}

func TestBlockByNumber_NotFound(t *testing.T) {
	r := newTestReader(&fakeEthClient{}, &fakeCaller{responses: map[string]string{"eth_getBlockByNumber": `null`}})

	_, err := r.BlockByNumber(context.Background(), 42)
	assert.ErrorIs(t, err, apperr.ErrRPC)
	assert.ErrorIs(t, err, ethereum.NotFound)
}

func TestSubscribeBlocks_Polls(t *testing.T) {
	client := &fakeEthClient{height: 100}
	r := newTestReader(client, &fakeCaller{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocks, err := r.SubscribeBlocks(ctx)
	require.NoError(t, err)

	client.setHeight(102)
	assert.Equal(t, uint64(101), <-blocks)
	assert.Equal(t, uint64(102), <-blocks)

	cancel()
	for range blocks {
	}
}
