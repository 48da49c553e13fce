package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"krine/internal/contracts"
	"krine/internal/session"
)

// EthClient submits transactions to a deployed Escrow contract.
type EthClient struct {
	contract *bind.BoundContract
	address  common.Address
}

func NewEthClient(backend bind.ContractBackend, address string) (*EthClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("contract backend is required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid escrow address %q", address)
	}
	addr := common.HexToAddress(address)
	return &EthClient{
		contract: bind.NewBoundContract(addr, contracts.Escrow(), backend, backend, backend),
		address:  addr,
	}, nil
}

func (c *EthClient) Address() common.Address { return c.address }

func (c *EthClient) GetEscrow(ctx context.Context, id uint64) (Escrow, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", new(big.Int).SetUint64(id)); err != nil {
		return Escrow{}, fmt.Errorf("getEscrow %d: %w", id, err)
	}
	if len(out) != 6 {
		return Escrow{}, fmt.Errorf("getEscrow: unexpected %d outputs", len(out))
	}
	return Escrow{
		ID:       id,
		Buyer:    *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Seller:   *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Domain:   *abi.ConvertType(out[2], new(string)).(*string),
		Amount:   *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Released: *abi.ConvertType(out[4], new(bool)).(*bool),
		Refunded: *abi.ConvertType(out[5], new(bool)).(*bool),
	}, nil
}

func (c *EthClient) EscrowCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "escrowCount"); err != nil {
		return 0, fmt.Errorf("escrowCount: %w", err)
	}
	v := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !v.IsUint64() {
		return 0, fmt.Errorf("escrowCount: value %s out of range", v)
	}
	return v.Uint64(), nil
}

func (c *EthClient) Deposit(ctx context.Context, sess *session.Session, seller common.Address, domain string, value *big.Int) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	opts.Value = value
	return c.contract.Transact(opts, "deposit", seller, domain)
}

func (c *EthClient) Release(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(opts, "release", new(big.Int).SetUint64(id))
}

func (c *EthClient) Refund(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(opts, "refund", new(big.Int).SetUint64(id))
}
