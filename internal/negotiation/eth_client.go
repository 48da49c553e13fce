package negotiation

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

// StartGasLimit is the explicit gas limit used for startNegotiation; node
// estimation has proven unreliable for it on the test network.
const StartGasLimit = 500_000

// EthClient talks to a deployed Negotiation contract over JSON-RPC.
type EthClient struct {
	contract *bind.BoundContract
	address  common.Address
}

// NewEthClient binds the Negotiation contract at address on backend.
func NewEthClient(backend bind.ContractBackend, address string) (*EthClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("contract backend is required")
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid negotiation address %q", address)
	}
	addr := common.HexToAddress(address)
	return &EthClient{
		contract: bind.NewBoundContract(addr, contracts.Negotiation(), backend, backend, backend),
		address:  addr,
	}, nil
}

func (c *EthClient) Address() common.Address { return c.address }

func (c *EthClient) GetNegotiation(ctx context.Context, id uint64) (Negotiation, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getNegotiation", new(big.Int).SetUint64(id)); err != nil {
		return Negotiation{}, fmt.Errorf("getNegotiation %d: %w", id, err)
	}
	return negotiationFromOutputs(out)
}

func negotiationFromOutputs(out []interface{}) (Negotiation, error) {
	if len(out) != 9 {
		return Negotiation{}, fmt.Errorf("getNegotiation: unexpected %d outputs", len(out))
	}
	id := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !id.IsUint64() {
		return Negotiation{}, fmt.Errorf("getNegotiation: id %s out of range", id)
	}
	return Negotiation{
		ID:           id.Uint64(),
		Buyer:        *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Seller:       *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Domain:       *abi.ConvertType(out[3], new(string)).(*string),
		InitialOffer: *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
		CurrentOffer: *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		Status:       Status(*abi.ConvertType(out[6], new(uint8)).(*uint8)),
		CreatedAt:    unixTime(*abi.ConvertType(out[7], new(*big.Int)).(**big.Int)),
		UpdatedAt:    unixTime(*abi.ConvertType(out[8], new(*big.Int)).(**big.Int)),
	}, nil
}

func (c *EthClient) GetUserNegotiations(ctx context.Context, user common.Address) ([]uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getUserNegotiations", user); err != nil {
		return nil, fmt.Errorf("getUserNegotiations %s: %w", user.Hex(), err)
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if !v.IsUint64() {
			return nil, fmt.Errorf("getUserNegotiations: id %s out of range", v)
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (c *EthClient) GetMessages(ctx context.Context, id uint64) ([]Message, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getMessages", new(big.Int).SetUint64(id)); err != nil {
		return nil, fmt.Errorf("getMessages %d: %w", id, err)
	}
	tuples := *abi.ConvertType(out[0], new([]contracts.MessageTuple)).(*[]contracts.MessageTuple)
	msgs := make([]Message, 0, len(tuples))
	for _, t := range tuples {
		msgs = append(msgs, Message{
			Sender:      t.Sender,
			Content:     t.Content,
			Timestamp:   unixTime(t.Timestamp),
			OfferAmount: t.OfferAmount,
		})
	}
	return msgs, nil
}

func (c *EthClient) GetMessageCount(ctx context.Context, id uint64) (uint64, error) {
	return c.callUint(ctx, "getMessageCount", new(big.Int).SetUint64(id))
}

func (c *EthClient) NegotiationCount(ctx context.Context) (uint64, error) {
	return c.callUint(ctx, "negotiationCount")
}

func (c *EthClient) callUint(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return 0, fmt.Errorf("%s: %w", method, err)
	}
	v := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s: value %s out of range", method, v)
	}
	return v.Uint64(), nil
}

func (c *EthClient) StartNegotiation(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	opts.GasLimit = StartGasLimit
	return c.contract.Transact(opts, "startNegotiation", seller, domain, orZero(initialOffer))
}

func (c *EthClient) SendMessage(ctx context.Context, sess *session.Session, id uint64, content string, offerAmount *big.Int) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(opts, "sendMessage", new(big.Int).SetUint64(id), content, orZero(offerAmount))
}

func (c *EthClient) AcceptOffer(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(opts, "acceptOffer", new(big.Int).SetUint64(id))
}

func (c *EthClient) CloseNegotiation(ctx context.Context, sess *session.Session, id uint64, rejected bool) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(opts, "closeNegotiation", new(big.Int).SetUint64(id), rejected)
}

// EstimateStart asks the node for the gas startNegotiation would use, which
// also surfaces a revert before anything is broadcast.
func (c *EthClient) EstimateStart(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (uint64, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return 0, err
	}
	opts.NoSend = true
	tx, err := c.contract.Transact(opts, "startNegotiation", seller, domain, orZero(initialOffer))
	if err != nil {
		return 0, err
	}
	return tx.Gas(), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
