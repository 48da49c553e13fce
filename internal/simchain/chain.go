// Package simchain is an in-memory ledger used by the fake contract clients.
// Every committed transaction is mined into its own block with a strictly
// increasing timestamp. Executions are all-or-nothing: a failing execution
// leaves state, balances and logs untouched.
package simchain

import (
	"context"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
)

var ErrInsufficientFunds = errors.New("insufficient funds for transfer")

// ErrSubscriptionOverflow ends a subscription whose consumer fell
// subscriptionBuffer logs behind.
var ErrSubscriptionOverflow = errors.New("log subscription queue overflow")

var subscriptionBuffer = 1024

// RevertError is returned when contract code rejects a call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return "execution reverted: " + e.Reason }

// ErrorCode matches the JSON-RPC code geth uses for reverts.
func (e *RevertError) ErrorCode() int { return 3 }

// ErrorData is the hex encoded Error(string) payload, as a node returns it.
func (e *RevertError) ErrorData() interface{} {
	packed, err := revertArgs.Pack(e.Reason)
	if err != nil {
		return nil
	}
	return hexutil.Encode(append(append([]byte{}, revertSelector...), packed...))
}

var (
	revertSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
	revertArgs     = abi.Arguments{{Type: mustType("string")}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Revert builds a RevertError.
func Revert(reason string) error { return &RevertError{Reason: reason} }

type Option func(*Chain)

// WithClock replaces time.Now as the block time source.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

type Chain struct {
	mu       sync.Mutex
	notifyMu sync.Mutex
	chainID  *big.Int
	now      func() time.Time
	head     uint64
	headTime uint64
	txCount  uint64
	balances map[common.Address]*big.Int
	code     map[common.Address][]byte
	receipts map[common.Hash]*types.Receipt
	logs     []types.Log
	subs     map[*subscription]struct{}
	noSubs   bool
}

func New(chainID *big.Int, opts ...Option) *Chain {
	c := &Chain{
		chainID:  new(big.Int).Set(chainID),
		now:      time.Now,
		balances: make(map[common.Address]*big.Int),
		code:     make(map[common.Address][]byte),
		receipts: make(map[common.Hash]*types.Receipt),
		subs:     make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// Fund credits amount to addr outside of any transaction.
func (c *Chain) Fund(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Add(c.balanceLocked(addr), amount)
}

// Deploy marks addr as holding contract code.
func (c *Chain) Deploy(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = []byte{0x60, 0x80}
}

func (c *Chain) BalanceAt(_ context.Context, addr common.Address, _ *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceLocked(addr)), nil
}

func (c *Chain) CodeAt(_ context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.code[addr]...), nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// DisableSubscriptions makes SubscribeFilterLogs behave like an HTTP endpoint.
func (c *Chain) DisableSubscriptions(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noSubs = disabled
}

// FailSubscriptions terminates every live subscription with err.
func (c *Chain) FailSubscriptions(err error) {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		select {
		case s.kill <- err:
		case <-s.done:
		}
	}
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	if bal, ok := c.balances[addr]; ok {
		return bal
	}
	return new(big.Int)
}

func (c *Chain) nextTimeLocked() uint64 {
	t := uint64(c.now().Unix())
	if t <= c.headTime {
		t = c.headTime + 1
	}
	return t
}

// Execute runs fn as a transaction from -> to carrying value. When fn returns
// an error nothing is committed and the error is returned as is.
func (c *Chain) Execute(ctx context.Context, from, to common.Address, value *big.Int, input []byte, fn func(*Block) error) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	c.mu.Lock()
	b := &Block{
		Number:  c.head + 1,
		Time:    c.nextTimeLocked(),
		From:    from,
		To:      to,
		Value:   new(big.Int).Set(value),
		chain:   c,
		overlay: make(map[common.Address]*big.Int),
	}
	if value.Sign() > 0 {
		if err := b.Transfer(from, to, value); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	if err := fn(b); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	for addr, bal := range b.overlay {
		c.balances[addr] = bal
	}
	c.head = b.Number
	c.headTime = b.Time

	recipient := to
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    c.txCount,
		To:       &recipient,
		Value:    new(big.Int).Set(value),
		GasPrice: new(big.Int),
		Data:     input,
	})
	c.txCount++

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], b.Number)
	blockHash := crypto.Keccak256Hash(num[:])

	receipt := &types.Receipt{
		Type:        types.LegacyTxType,
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockHash:   blockHash,
		BlockNumber: new(big.Int).SetUint64(b.Number),
	}
	mined := make([]types.Log, 0, len(b.logs))
	for i, l := range b.logs {
		l.BlockNumber = b.Number
		l.BlockHash = blockHash
		l.TxHash = tx.Hash()
		l.TxIndex = 0
		l.Index = uint(i)
		mined = append(mined, l)
		c.logs = append(c.logs, l)
		lc := l
		receipt.Logs = append(receipt.Logs, &lc)
	}
	c.receipts[tx.Hash()] = receipt

	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	// keep delivery in block order across concurrent executions
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Unlock()

	for _, s := range subs {
		for _, l := range mined {
			if matchesQuery(s.query, l, 0, ^uint64(0)) {
				s.deliver(l)
			}
		}
	}
	return tx, nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// WaitMined returns the receipt of a committed transaction.
func (c *Chain) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.TransactionReceipt(ctx, tx.Hash())
}

func (c *Chain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := uint64(0)
	if q.FromBlock != nil && q.FromBlock.Sign() > 0 {
		from = q.FromBlock.Uint64()
	}
	to := c.head
	if q.ToBlock != nil && q.ToBlock.Sign() >= 0 {
		to = q.ToBlock.Uint64()
	}

	var out []types.Log
	for _, l := range c.logs {
		if matchesQuery(q, l, from, to) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *Chain) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	if c.noSubs {
		c.mu.Unlock()
		return nil, rpc.ErrNotificationsUnsupported
	}
	s := &subscription{
		query: q,
		queue:    make(chan types.Log, subscriptionBuffer),
		kill:     make(chan error),
		overflow: make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			c.mu.Lock()
			delete(c.subs, s)
			c.mu.Unlock()
			close(s.done)
		}()
		for {
			select {
			case l := <-s.queue:
				select {
				case ch <- l:
				case <-s.overflow:
					return ErrSubscriptionOverflow
				case <-quit:
					return nil
				}
			case err := <-s.kill:
				return err
			case <-s.overflow:
				return ErrSubscriptionOverflow
			case <-quit:
				return nil
			}
		}
	}), nil
}

type subscription struct {
	query    ethereum.FilterQuery
	queue    chan types.Log
	kill     chan error
	overflow chan struct{}
	once     sync.Once
	done     chan struct{}
}

// deliver never blocks: a full queue ends the subscription with
// ErrSubscriptionOverflow and later logs are dropped.
func (s *subscription) deliver(l types.Log) {
	select {
	case <-s.overflow:
		return
	default:
	}
	select {
	case s.queue <- l:
	case <-s.done:
	default:
		s.once.Do(func() { close(s.overflow) })
	}
}

func matchesQuery(q ethereum.FilterQuery, l types.Log, from, to uint64) bool {
	if l.BlockNumber < from || l.BlockNumber > to {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, topic := range alternatives {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
