// Package keys implements the address oracles: one-time address derivation and
// counterfactual wallet prediction.
package keys

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
)

// Deriver maps (viewing key, nonce, chain) to a one-time address. It must be
// deterministic and side-effect free.
type Deriver interface {
	Derive(viewingKey string, nonce uint64, chainID int64) (common.Address, error)
}

// HashDeriver derives the one-time key as keccak256(viewingKey || nonce || chainID)
// and returns the address of its secp256k1 public key.
type HashDeriver struct{}

func (HashDeriver) Derive(viewingKey string, nonce uint64, chainID int64) (common.Address, error) {
	key, err := hexutil.Decode(ensure0x(viewingKey))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: decode viewing key: %w", apperr.ErrDerivation, err)
	}
	if len(key) != 32 {
		return common.Address{}, fmt.Errorf("%w: viewing key must be 32 bytes, got %d", apperr.ErrDerivation, len(key))
	}

	var suffix [16]byte
	binary.BigEndian.PutUint64(suffix[:8], nonce)
	binary.BigEndian.PutUint64(suffix[8:], uint64(chainID))

	seed := crypto.Keccak256(key, suffix[:])
	priv, err := crypto.ToECDSA(seed)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: nonce %d: %w", apperr.ErrDerivation, nonce, err)
	}

	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
