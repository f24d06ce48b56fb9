package keys

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/suspectuso/deposit-tracker/internal/apperr"
)

// Prediction is the counterfactual wallet owned by a deposit address
type Prediction struct {
	WalletAddress common.Address
	IsDeployed    bool
}

// Predictor computes the smart-contract wallet address owned by a deposit address
type Predictor interface {
	Predict(ctx context.Context, owner common.Address) (Prediction, error)
	IsDeployedAt(ctx context.Context, wallet common.Address) (bool, error)
}

// CodeReader reads deployed bytecode
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
}

// Create2Predictor predicts wallets deployed by a CREATE2 factory with salt
// keccak256(owner) and a fixed init code hash.
type Create2Predictor struct {
	factory      common.Address
	initCodeHash common.Hash
	code         CodeReader
}

// NewCreate2Predictor creates a predictor for one factory
func NewCreate2Predictor(factory common.Address, initCodeHash common.Hash, code CodeReader) *Create2Predictor {
	return &Create2Predictor{
		factory:      factory,
		initCodeHash: initCodeHash,
		code:         code,
	}
}

// WalletAddress returns the CREATE2 address for owner without touching the chain
func (p *Create2Predictor) WalletAddress(owner common.Address) common.Address {
	salt := crypto.Keccak256Hash(common.LeftPadBytes(owner.Bytes(), 32))
	return crypto.CreateAddress2(p.factory, salt, p.initCodeHash.Bytes())
}

func (p *Create2Predictor) Predict(ctx context.Context, owner common.Address) (Prediction, error) {
	wallet := p.WalletAddress(owner)
	deployed, err := p.IsDeployedAt(ctx, wallet)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{WalletAddress: wallet, IsDeployed: deployed}, nil
}

func (p *Create2Predictor) IsDeployedAt(ctx context.Context, wallet common.Address) (bool, error) {
	code, err := p.code.CodeAt(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("%w: code at %s: %w", apperr.ErrPrediction, wallet.Hex(), err)
	}
	return len(code) > 0, nil
}

// Predictors holds one predictor per chain. Chains without a factory have none.
type Predictors map[int64]Predictor

// For returns the predictor configured for chainID
func (p Predictors) For(chainID int64) (Predictor, bool) {
	pr, ok := p[chainID]
	return pr, ok && pr != nil
}
