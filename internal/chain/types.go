package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Transaction is the subset of a chain transaction the watchers need
type Transaction struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address // nil for contract creation
	Value       *big.Int
	BlockNumber uint64
}

// Block is a block with its full transactions
type Block struct {
	Number       uint64
	Hash         common.Hash
	Transactions []Transaction
}

// TransferLog is a decoded ERC-20 Transfer(address,address,uint256) event
type TransferLog struct {
	Token       common.Address
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	LogIndex    uint
}
