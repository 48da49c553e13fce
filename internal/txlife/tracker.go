// Package txlife tracks user writes through
// Idle -> Pending -> Confirming -> Settled | Failed.
package txlife

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"krine/internal/contracts"
)

type State string

const (
	StateIdle       State = "idle"
	StatePending    State = "pending"
	StateConfirming State = "confirming"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

func (s State) Final() bool { return s == StateSettled || s == StateFailed }

var ErrInFlight = errors.New("another transaction for this item is in flight")

// FailedError is returned for a failed write. Its message is the provider's
// reason, unmodified.
type FailedError struct {
	Reason string
	Err    error
}

func (e *FailedError) Error() string { return e.Reason }

func (e *FailedError) Unwrap() error { return e.Err }

var ErrReverted = errors.New("transaction reverted")

// Op is one tracked write.
type Op struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Kind        string    `json:"kind"`
	State       State     `json:"state"`
	TxHash      string    `json:"txHash,omitempty"`
	BlockNumber uint64    `json:"blockNumber,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Receipt *types.Receipt `json:"-"`
}

// Submit signs and broadcasts the write.
type Submit func(ctx context.Context) (*types.Transaction, error)

// SettledFunc runs after a successful receipt, typically to invalidate and
// refetch the affected reads.
type SettledFunc func(ctx context.Context, receipt *types.Receipt) error

// Observer receives every transition.
type Observer func(Op)

// Waiter blocks until a broadcast transaction is mined. *simchain.Chain and
// PollingWaiter satisfy it.
type Waiter interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

type Option func(*Tracker)

func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithReplayer enables recovering revert reasons of failed receipts by
// replaying the call at the inclusion block.
func WithReplayer(caller ethereum.ContractCaller) Option {
	return func(t *Tracker) { t.replayer = caller }
}

// WithConfirmTimeout bounds how long Start waits for a receipt.
func WithConfirmTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.confirmTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRetention caps the number of finished ops kept for lookup.
func WithRetention(n int) Option {
	return func(t *Tracker) { t.retain = n }
}

type Tracker struct {
	waiter         Waiter
	replayer       ethereum.ContractCaller
	logger         *zap.Logger
	confirmTimeout time.Duration
	now            func() time.Time
	retain         int

	mu        sync.Mutex
	ops       map[string]*Op
	done      map[string]chan struct{}
	finished  []string
	active    map[string]string
	observers []Observer
	wg        sync.WaitGroup
}

func NewTracker(waiter Waiter, opts ...Option) *Tracker {
	t := &Tracker{
		waiter:         waiter,
		logger:         zap.NewNop(),
		confirmTimeout: 5 * time.Minute,
		now:            time.Now,
		retain:         1024,
		ops:            make(map[string]*Op),
		done:           make(map[string]chan struct{}),
		active:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe registers fn for every future transition.
func (t *Tracker) Observe(fn Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Run drives a write from submission to a final state.
func (t *Tracker) Run(ctx context.Context, key, kind string, submit Submit, onSettled ...SettledFunc) (Op, error) {
	op, err := t.begin(key, kind)
	if err != nil {
		return Op{}, err
	}
	tx, err := t.submit(ctx, op.ID, submit)
	if err != nil {
		return t.Get(op.ID), err
	}
	return t.confirm(ctx, op.ID, tx, onSettled)
}

// Start submits the write and confirms it in the background. The returned op
// is Confirming, or Failed when submission failed.
func (t *Tracker) Start(ctx context.Context, key, kind string, submit Submit, onSettled ...SettledFunc) (Op, error) {
	op, err := t.begin(key, kind)
	if err != nil {
		return Op{}, err
	}
	tx, err := t.submit(ctx, op.ID, submit)
	if err != nil {
		return t.Get(op.ID), err
	}
	current := t.Get(op.ID)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		cctx, cancel := context.WithTimeout(context.Background(), t.confirmTimeout)
		defer cancel()
		_, _ = t.confirm(cctx, op.ID, tx, onSettled)
	}()
	return current, nil
}

// Wait blocks until op id is final or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id string) (Op, error) {
	t.mu.Lock()
	done, ok := t.done[id]
	t.mu.Unlock()
	if !ok {
		return Op{}, fmt.Errorf("unknown op %s", id)
	}
	select {
	case <-done:
		return t.Get(id), nil
	case <-ctx.Done():
		return Op{}, ctx.Err()
	}
}

// Close waits for background confirmations to finish.
func (t *Tracker) Close() {
	t.wg.Wait()
}

// Get returns a copy of op id; the zero Op when unknown.
func (t *Tracker) Get(id string) Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.ops[id]; ok {
		return *op
	}
	return Op{}
}

func (t *Tracker) Lookup(id string) (Op, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return Op{}, false
	}
	return *op, true
}

// InFlight reports whether key has a write in Pending or Confirming.
func (t *Tracker) InFlight(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[key]
	return ok
}

func (t *Tracker) begin(key, kind string) (Op, error) {
	t.mu.Lock()
	if id, busy := t.active[key]; busy {
		t.mu.Unlock()
		return Op{}, fmt.Errorf("%w: %s (op %s)", ErrInFlight, key, id)
	}
	now := t.now()
	op := &Op{
		ID:        uuid.NewString(),
		Key:       key,
		Kind:      kind,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.ops[op.ID] = op
	t.done[op.ID] = make(chan struct{})
	t.active[key] = op.ID
	t.mu.Unlock()

	t.emit(*op)
	return *op, nil
}

func (t *Tracker) submit(ctx context.Context, id string, submit Submit) (*types.Transaction, error) {
	tx, err := submit(ctx)
	if err == nil && tx == nil {
		err = errors.New("submit returned no transaction")
	}
	if err != nil {
		t.fail(id, err.Error(), nil)
		return nil, &FailedError{Reason: err.Error(), Err: err}
	}
	t.update(id, func(op *Op) {
		op.State = StateConfirming
		op.TxHash = tx.Hash().Hex()
	})
	return tx, nil
}

func (t *Tracker) confirm(ctx context.Context, id string, tx *types.Transaction, onSettled []SettledFunc) (Op, error) {
	receipt, err := t.waiter.WaitMined(ctx, tx)
	if err != nil {
		t.fail(id, err.Error(), nil)
		return t.Get(id), &FailedError{Reason: err.Error(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := t.revertReason(ctx, tx, receipt)
		t.fail(id, reason, receipt)
		return t.Get(id), &FailedError{Reason: reason, Err: ErrReverted}
	}

	for _, fn := range onSettled {
		if err := fn(ctx, receipt); err != nil {
			t.logger.Warn("post-confirmation refresh failed",
				zap.String("op", id), zap.Error(err))
		}
	}
	t.finish(id, func(op *Op) {
		op.State = StateSettled
		op.Receipt = receipt
		if receipt.BlockNumber != nil {
			op.BlockNumber = receipt.BlockNumber.Uint64()
		}
	})
	return t.Get(id), nil
}

func (t *Tracker) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	if t.replayer == nil {
		return ErrReverted.Error()
	}
	msg := ethereum.CallMsg{
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	if from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		msg.From = from
	}
	_, err := t.replayer.CallContract(ctx, msg, receipt.BlockNumber)
	if reason, ok := contracts.RevertReason(err); ok && reason != "" {
		return "execution reverted: " + reason
	}
	return ErrReverted.Error()
}

func (t *Tracker) fail(id, reason string, receipt *types.Receipt) {
	t.logger.Info("transaction failed", zap.String("op", id), zap.String("reason", reason))
	t.finish(id, func(op *Op) {
		op.State = StateFailed
		op.Reason = reason
		op.Receipt = receipt
		if receipt != nil && receipt.BlockNumber != nil {
			op.BlockNumber = receipt.BlockNumber.Uint64()
		}
	})
}

func (t *Tracker) update(id string, fn func(*Op)) {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(op)
	op.UpdatedAt = t.now()
	snapshot := *op
	t.mu.Unlock()
	t.emit(snapshot)
}

// finish applies the final transition and releases the key.
func (t *Tracker) finish(id string, fn func(*Op)) {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(op)
	op.UpdatedAt = t.now()
	if t.active[op.Key] == id {
		delete(t.active, op.Key)
	}
	close(t.done[id])
	t.finished = append(t.finished, id)
	for len(t.finished) > t.retain && t.retain > 0 {
		old := t.finished[0]
		t.finished = t.finished[1:]
		delete(t.ops, old)
		delete(t.done, old)
	}
	snapshot := *op
	t.mu.Unlock()

	t.logger.Debug("transaction finished",
		zap.String("op", id),
		zap.String("kind", snapshot.Kind),
		zap.String("state", string(snapshot.State)),
		zap.String("tx", snapshot.TxHash))
	t.emit(snapshot)
}

func (t *Tracker) emit(op Op) {
	t.mu.Lock()
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()
	for _, fn := range observers {
		fn(op)
	}
}
