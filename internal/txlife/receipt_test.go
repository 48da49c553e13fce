package txlife

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

type countingFetcher struct {
	misses int32
	calls  int32
	err    error
}

func (f *countingFetcher) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	if n <= f.misses {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)}, nil
}

type headAt struct{ head uint64 }

func (h *headAt) BlockNumber(context.Context) (uint64, error) {
	return atomic.AddUint64(&h.head, 1), nil
}

func TestWaitForReceiptPolls(t *testing.T) {
	f := &countingFetcher{misses: 2}
	hash := common.HexToHash("0x01")
	r, err := WaitForReceipt(context.Background(), f, hash, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, hash, r.TxHash)
	require.Equal(t, int32(3), atomic.LoadInt32(&f.calls))
}

func TestWaitForReceiptErrors(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := WaitForReceipt(context.Background(), &countingFetcher{err: boom}, common.Hash{}, time.Millisecond)
	require.ErrorIs(t, err, boom)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = WaitForReceipt(ctx, &countingFetcher{misses: 1 << 30}, common.Hash{}, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollingWaiter(t *testing.T) {
	w := PollingWaiter{Client: &countingFetcher{misses: 1}, Interval: time.Millisecond}
	tx := newTx(1)
	r, err := w.WaitMined(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, tx.Hash(), r.TxHash)
}

func TestWaitConfirmations(t *testing.T) {
	receipt := &types.Receipt{BlockNumber: big.NewInt(10)}
	head := &headAt{head: 10}
	require.NoError(t, WaitConfirmations(context.Background(), head, receipt, 5, time.Millisecond))
	require.GreaterOrEqual(t, atomic.LoadUint64(&head.head), uint64(14))

	require.NoError(t, WaitConfirmations(context.Background(), &headAt{}, receipt, 1, time.Millisecond))
	require.Error(t, WaitConfirmations(context.Background(), &headAt{}, &types.Receipt{}, 5, time.Millisecond))
}
