// Package chaintest provides a canned JSON-RPC contract backend for testing
// bound contract clients without a node.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend answers eth_call with pre-packed outputs keyed by method name and
// records every transaction sent. Methods it does not implement panic.
type Backend struct {
	bind.ContractBackend

	parsed abi.ABI

	mu       sync.Mutex
	outputs  map[string][]byte
	callErr  error
	sendErr  error
	gas      uint64
	nonce    uint64
	calls    []string
	sent     []*types.Transaction
	gasPrice *big.Int
}

func NewBackend(parsed abi.ABI) *Backend {
	return &Backend{
		parsed:   parsed,
		outputs:  make(map[string][]byte),
		gas:      50_000,
		gasPrice: big.NewInt(30_000_000_000),
	}
}

// Return packs values as the outputs of method.
func (b *Backend) Return(method string, values ...interface{}) error {
	m, ok := b.parsed.Methods[method]
	if !ok {
		return fmt.Errorf("method %q not in abi", method)
	}
	packed, err := m.Outputs.Pack(values...)
	if err != nil {
		return fmt.Errorf("pack %s outputs: %w", method, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outputs[method] = packed
	return nil
}

// FailCalls makes every eth_call return err.
func (b *Backend) FailCalls(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callErr = err
}

// FailSends makes every eth_sendRawTransaction return err.
func (b *Backend) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Calls lists the method names called so far.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Sent lists the transactions broadcast so far.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// Method decodes which ABI method tx calls.
func (b *Backend) Method(tx *types.Transaction) (string, []interface{}, error) {
	data := tx.Data()
	if len(data) < 4 {
		return "", nil, fmt.Errorf("short calldata")
	}
	m, err := b.parsed.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, err
	}
	return m.Name, args, nil
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callErr != nil {
		return nil, b.callErr
	}
	if len(call.Data) < 4 {
		return nil, fmt.Errorf("short calldata")
	}
	m, err := b.parsed.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	b.calls = append(b.calls, m.Name)
	out, ok := b.outputs[m.Name]
	if !ok {
		return nil, fmt.Errorf("no canned output for %s", m.Name)
	}
	return out, nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1)}, nil
}

func (b *Backend) PendingCodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	return b.CodeAt(ctx, addr, nil)
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callErr != nil {
		return 0, b.callErr
	}
	return b.gas, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.nonce++
	return nil
}
