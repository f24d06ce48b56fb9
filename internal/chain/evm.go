package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
	"github.com/suspectuso/deposit-tracker/internal/metrics"
)

var transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

const erc20DecimalsABI = `[{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

// EthClient is the subset of *ethclient.Client used by EVMReader
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// RPCCaller issues raw JSON-RPC calls. Blocks and transactions are fetched raw so
// that chain-specific transaction types do not break decoding.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// EVMConfig tunes an EVMReader
type EVMConfig struct {
	ChainID      int64
	RateLimit    float64 // requests per second, 0 disables limiting
	CallTimeout  time.Duration
	PollInterval time.Duration
	Subscribe    bool // use eth_subscribe for new heads
}

// EVMReader implements Reader over a JSON-RPC endpoint
type EVMReader struct {
	client  EthClient
	rpc     RPCCaller
	cfg     EVMConfig
	limiter *rate.Limiter
	erc20   abi.ABI
	metrics *metrics.Metrics
	log     *slog.Logger
	closeFn func()

	mu       sync.Mutex
	decimals map[common.Address]uint8
}

// Dial connects to an HTTP or WebSocket endpoint. WebSocket endpoints get
// head subscriptions, HTTP endpoints fall back to polling.
func Dial(ctx context.Context, rawURL string, cfg EVMConfig, m *metrics.Metrics, log *slog.Logger) (*EVMReader, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("chain %d: rpc url required", cfg.ChainID)
	}

	rpcClient, err := rpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", cfg.ChainID, err)
	}

	cfg.Subscribe = strings.HasPrefix(rawURL, "ws")
	r := NewEVMReader(ethclient.NewClient(rpcClient), rpcClient, cfg, m, log)
	r.closeFn = rpcClient.Close
	return r, nil
}

// NewEVMReader creates a reader from existing clients
func NewEVMReader(client EthClient, caller RPCCaller, cfg EVMConfig, m *metrics.Metrics, log *slog.Logger) *EVMReader {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	// The ABI literal is constant; a parse failure is a programming error.
	parsed, err := abi.JSON(strings.NewReader(erc20DecimalsABI))
	if err != nil {
		panic(err)
	}

	return &EVMReader{
		client:   client,
		rpc:      caller,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		erc20:    parsed,
		metrics:  m,
		log:      log.With("chain_id", cfg.ChainID),
		decimals: make(map[common.Address]uint8),
	}
}

// Close releases the underlying connection
func (r *EVMReader) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

func (r *EVMReader) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrRPC, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	if err := fn(callCtx); err != nil {
		r.metrics.RPCError(r.cfg.ChainID, op)
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrRPC, err)
	}
	return nil
}

// BlockHeight returns the latest block number
func (r *EVMReader) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := r.call(ctx, "block_number", func(ctx context.Context) error {
		var err error
		height, err = r.client.BlockNumber(ctx)
		return err
	})
	return height, err
}

type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
}

func (tx *rpcTransaction) toTransaction() Transaction {
	out := Transaction{
		Hash:  tx.Hash,
		From:  tx.From,
		To:    tx.To,
		Value: new(big.Int),
	}
	if tx.Value != nil {
		out.Value = tx.Value.ToInt()
	}
	if tx.BlockNumber != nil {
		out.BlockNumber = uint64(*tx.BlockNumber)
	}
	return out
}

type rpcBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         common.Hash      `json:"hash"`
	Transactions []rpcTransaction `json:"transactions"`
}

// BlockByNumber returns a block with full transactions
func (r *EVMReader) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var raw *rpcBlock
	err := r.call(ctx, "get_block", func(ctx context.Context) error {
		if err := r.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
			return err
		}
		if raw == nil {
			return ethereum.NotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	block := &Block{
		Number:       uint64(raw.Number),
		Hash:         raw.Hash,
		Transactions: make([]Transaction, 0, len(raw.Transactions)),
	}
	for i := range raw.Transactions {
		tx := raw.Transactions[i].toTransaction()
		tx.BlockNumber = block.Number
		block.Transactions = append(block.Transactions, tx)
	}
	return block, nil
}

// TransactionByHash returns a single transaction
func (r *EVMReader) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	var raw *rpcTransaction
	err := r.call(ctx, "get_transaction", func(ctx context.Context) error {
		if err := r.rpc.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
			return err
		}
		if raw == nil {
			return ethereum.NotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	tx := raw.toTransaction()
	return &tx, nil
}

// TransferLogs returns Transfer events of token paid to `to` in [fromBlock, toBlock]
func (r *EVMReader) TransferLogs(ctx context.Context, token, to common.Address, fromBlock, toBlock uint64) ([]TransferLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil,
			{common.BytesToHash(to.Bytes())},
		},
	}

	var logs []types.Log
	err := r.call(ctx, "get_logs", func(ctx context.Context) error {
		var err error
		logs, err = r.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out []TransferLog
	for _, l := range logs {
		tl, ok := decodeTransferLog(l)
		if !ok || tl.To != to {
			continue
		}
		out = append(out, tl)
	}
	return out, nil
}

func decodeTransferLog(l types.Log) (TransferLog, bool) {
	if l.Removed || len(l.Topics) < 3 || l.Topics[0] != transferEventSignature {
		return TransferLog{}, false
	}
	return TransferLog{
		Token:       l.Address,
		From:        common.BytesToAddress(l.Topics[1].Bytes()),
		To:          common.BytesToAddress(l.Topics[2].Bytes()),
		Value:       new(big.Int).SetBytes(l.Data),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
	}, true
}

// Decimals reads decimals() from an ERC-20 contract. Successful reads are cached.
func (r *EVMReader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	r.mu.Lock()
	d, ok := r.decimals[token]
	r.mu.Unlock()
	if ok {
		return d, nil
	}

	data, err := r.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}

	var result []byte
	err = r.call(ctx, "read_decimals", func(ctx context.Context) error {
		var err error
		result, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	})
	if err != nil {
		return 0, err
	}

	outputs, err := r.erc20.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("read_decimals: %w: unpack: %w", apperr.ErrRPC, err)
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("read_decimals: %w: unexpected output count %d", apperr.ErrRPC, len(outputs))
	}
	d, ok = outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("read_decimals: %w: unexpected output type %T", apperr.ErrRPC, outputs[0])
	}

	r.mu.Lock()
	r.decimals[token] = d
	r.mu.Unlock()
	return d, nil
}

// CodeAt returns the deployed bytecode at account
func (r *EVMReader) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var code []byte
	err := r.call(ctx, "get_code", func(ctx context.Context) error {
		var err error
		code, err = r.client.CodeAt(ctx, account, nil)
		return err
	})
	return code, err
}

// SubscribeBlocks emits new block heights. It uses a head subscription when the
// endpoint supports one and polls the block height otherwise.
func (r *EVMReader) SubscribeBlocks(ctx context.Context) (<-chan uint64, error) {
	out := make(chan uint64, 16)

	if r.cfg.Subscribe {
		heads := make(chan *types.Header, 16)
		sub, err := r.client.SubscribeNewHead(ctx, heads)
		if err == nil {
			go r.forwardHeads(ctx, sub, heads, out)
			return out, nil
		}
		r.metrics.RPCError(r.cfg.ChainID, "subscribe_heads")
		r.log.Warn("subscribe new heads, falling back to polling", "error", err)
	}

	start, err := r.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	go r.pollHeads(ctx, start, out)
	return out, nil
}

func (r *EVMReader) forwardHeads(ctx context.Context, sub ethereum.Subscription, heads <-chan *types.Header, out chan<- uint64) {
	defer close(out)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if err != nil && !errors.Is(err, context.Canceled) {
				r.metrics.RPCError(r.cfg.ChainID, "subscribe_heads")
				r.log.Warn("head subscription dropped", "error", err)
			}
			return
		case h := <-heads:
			if h == nil || h.Number == nil {
				continue
			}
			select {
			case out <- h.Number.Uint64():
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *EVMReader) pollHeads(ctx context.Context, last uint64, out chan<- uint64) {
	defer close(out)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height, err := r.BlockHeight(ctx)
			if err != nil {
				r.log.Warn("poll block height", "error", err)
				continue
			}
			for n := last + 1; n <= height; n++ {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
			if height > last {
				last = height
			}
		}
	}
}
