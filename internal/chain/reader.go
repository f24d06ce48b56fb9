// Package chain provides read-only access to EVM networks.
package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
)

// NativeToken is the token marker that selects native-asset transfers
const NativeToken = "native"

// Reader is a per-network read-only RPC handle. Every error it returns wraps apperr.ErrRPC.
type Reader interface {
	BlockHeight(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	// SubscribeBlocks emits new block heights in ascending order until ctx is done,
	// then closes the channel.
	SubscribeBlocks(ctx context.Context) (<-chan uint64, error)
	TransferLogs(ctx context.Context, token, to common.Address, fromBlock, toBlock uint64) ([]TransferLog, error)
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

// Network describes one configured chain
type Network struct {
	ChainID int64
	Name    string
	Reader  Reader
}

// Readers is the set of configured networks keyed by chain ID
type Readers struct {
	networks map[int64]Network
}

// NewReaders builds a reader set
func NewReaders(networks ...Network) *Readers {
	r := &Readers{networks: make(map[int64]Network, len(networks))}
	for _, n := range networks {
		r.networks[n.ChainID] = n
	}
	return r
}

// Get returns the network for chainID
func (r *Readers) Get(chainID int64) (Network, error) {
	n, ok := r.networks[chainID]
	if !ok {
		return Network{}, fmt.Errorf("%w: unsupported chain %d", apperr.ErrValidation, chainID)
	}
	return n, nil
}

// ChainIDs returns the configured chain IDs in ascending order
func (r *Readers) ChainIDs() []int64 {
	ids := make([]int64, 0, len(r.networks))
	for id := range r.networks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParseToken resolves a token string. The native marker and the zero address
// both select the native asset.
func ParseToken(token string) (addr common.Address, native bool, err error) {
	token = strings.TrimSpace(token)
	if strings.EqualFold(token, NativeToken) {
		return common.Address{}, true, nil
	}
	if !common.IsHexAddress(token) {
		return common.Address{}, false, fmt.Errorf("%w: invalid token address %q", apperr.ErrValidation, token)
	}
	addr = common.HexToAddress(token)
	return addr, addr == (common.Address{}), nil
}

// NormalizeToken returns the canonical lowercase form used for storage and lookups
func NormalizeToken(token string) string {
	addr, native, err := ParseToken(token)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(token))
	}
	if native {
		return NativeToken
	}
	return strings.ToLower(addr.Hex())
}
