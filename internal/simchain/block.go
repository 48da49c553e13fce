package simchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Block is the execution context of one transaction. Contract code must run
// every check before mutating its own state; balance moves and logs made
// through the Block are discarded if the execution fails.
type Block struct {
	Number uint64
	Time   uint64
	From   common.Address
	To     common.Address
	Value  *big.Int

	chain   *Chain
	overlay map[common.Address]*big.Int
	logs    []types.Log
}

// Balance returns addr's balance as seen inside this execution.
func (b *Block) Balance(addr common.Address) *big.Int {
	if bal, ok := b.overlay[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int).Set(b.chain.balanceLocked(addr))
}

// Transfer moves amount between accounts.
func (b *Block) Transfer(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer %s", amount)
	}
	fromBal := b.Balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientFunds, fromBal, amount)
	}
	b.overlay[from] = fromBal.Sub(fromBal, amount)
	toBal := b.Balance(to)
	b.overlay[to] = toBal.Add(toBal, amount)
	return nil
}

// Emit records a log produced by this execution.
func (b *Block) Emit(l types.Log) {
	b.logs = append(b.logs, l)
}
