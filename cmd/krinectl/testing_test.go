package main

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"krine/internal/chaintest"
	"krine/internal/session"
)

var testChainID = big.NewInt(80002)

// testNode adds receipts, heads and balances to the canned backend. Every
// sent transaction is mined in block 1 and each head query advances a block.
type testNode struct {
	*chaintest.Backend

	mu      sync.Mutex
	head    uint64
	balance *big.Int
	status  uint64
}

func newTestNode(parsed abi.ABI) *testNode {
	return &testNode{
		Backend: chaintest.NewBackend(parsed),
		balance: big.NewInt(2e18),
		status:  types.ReceiptStatusSuccessful,
	}
}

func (n *testNode) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(n.balance), nil
}

func (n *testNode) BlockNumber(context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.head++
	return n.head, nil
}

func (n *testNode) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	for _, tx := range n.Sent() {
		if tx.Hash() == hash {
			return &types.Receipt{Status: n.status, TxHash: hash, BlockNumber: big.NewInt(1)}, nil
		}
	}
	return nil, ethereum.NotFound
}

func newOperator(t *testing.T) *session.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, testChainID)
	require.NoError(t, err)
	return session.New(opts.From, testChainID, opts.Signer)
}
