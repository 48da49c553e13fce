package simchain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	topicA   = common.HexToHash("0xaa")
	topicB   = common.HexToHash("0xbb")
)

func fixedClock() func() time.Time {
	now := time.Unix(1_700_000_000, 0)
	return func() time.Time { return now }
}

func TestExecuteCommitsBlockAndLogs(t *testing.T) {
	c := New(big.NewInt(80002), WithClock(fixedClock()))
	ctx := context.Background()

	tx, err := c.Execute(ctx, alice, contract, nil, nil, func(b *Block) error {
		b.Emit(types.Log{Address: contract, Topics: []common.Hash{topicA}})
		return nil
	})
	require.NoError(t, err)

	head, _ := c.BlockNumber(ctx)
	require.Equal(t, uint64(1), head)

	receipt, err := c.WaitMined(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Len(t, receipt.Logs, 1)
	require.Equal(t, uint64(1), receipt.Logs[0].BlockNumber)
	require.Equal(t, tx.Hash(), receipt.Logs[0].TxHash)
}

func TestBlockTimesStrictlyIncrease(t *testing.T) {
	c := New(big.NewInt(1), WithClock(fixedClock()))
	ctx := context.Background()

	var times []uint64
	for i := 0; i < 3; i++ {
		_, err := c.Execute(ctx, alice, contract, nil, nil, func(b *Block) error {
			times = append(times, b.Time)
			return nil
		})
		require.NoError(t, err)
	}
	require.Less(t, times[0], times[1])
	require.Less(t, times[1], times[2])
}

func TestExecuteRevertLeavesStateUntouched(t *testing.T) {
	c := New(big.NewInt(1))
	c.Fund(alice, big.NewInt(100))
	ctx := context.Background()

	_, err := c.Execute(ctx, alice, contract, big.NewInt(40), nil, func(b *Block) error {
		b.Emit(types.Log{Address: contract})
		return Revert("nope")
	})
	require.EqualError(t, err, "execution reverted: nope")

	var rev *RevertError
	require.True(t, errors.As(err, &rev))

	bal, _ := c.BalanceAt(ctx, alice, nil)
	require.Equal(t, int64(100), bal.Int64())
	head, _ := c.BlockNumber(ctx)
	require.Zero(t, head)
	logs, _ := c.FilterLogs(ctx, ethereum.FilterQuery{})
	require.Empty(t, logs)
}

func TestExecuteValueTransfer(t *testing.T) {
	c := New(big.NewInt(1))
	c.Fund(alice, big.NewInt(100))
	ctx := context.Background()

	_, err := c.Execute(ctx, alice, contract, big.NewInt(150), nil, func(*Block) error { return nil })
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = c.Execute(ctx, alice, contract, big.NewInt(60), nil, func(b *Block) error {
		return b.Transfer(contract, bob, big.NewInt(60))
	})
	require.NoError(t, err)

	aliceBal, _ := c.BalanceAt(ctx, alice, nil)
	bobBal, _ := c.BalanceAt(ctx, bob, nil)
	contractBal, _ := c.BalanceAt(ctx, contract, nil)
	require.Equal(t, int64(40), aliceBal.Int64())
	require.Equal(t, int64(60), bobBal.Int64())
	require.Zero(t, contractBal.Sign())
}

func TestExecuteHonoursCancelledContext(t *testing.T) {
	c := New(big.NewInt(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Execute(ctx, alice, contract, nil, nil, func(*Block) error {
		t.Fatal("must not run")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFilterLogs(t *testing.T) {
	c := New(big.NewInt(1))
	ctx := context.Background()
	for _, topic := range []common.Hash{topicA, topicB, topicA} {
		topic := topic
		_, err := c.Execute(ctx, alice, contract, nil, nil, func(b *Block) error {
			b.Emit(types.Log{Address: contract, Topics: []common.Hash{topic}})
			return nil
		})
		require.NoError(t, err)
	}

	logs, err := c.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topicA}},
	})
	require.NoError(t, err)
	require.Len(t, logs, 2)

	logs, err = c.FilterLogs(ctx, ethereum.FilterQuery{FromBlock: big.NewInt(2), ToBlock: big.NewInt(2)})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, topicB, logs[0].Topics[0])

	logs, err = c.FilterLogs(ctx, ethereum.FilterQuery{Addresses: []common.Address{bob}})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestSubscribeFilterLogs(t *testing.T) {
	c := New(big.NewInt(1))
	ctx := context.Background()

	ch := make(chan types.Log, 4)
	sub, err := c.SubscribeFilterLogs(ctx, ethereum.FilterQuery{Topics: [][]common.Hash{{topicB}}}, ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	for _, topic := range []common.Hash{topicA, topicB} {
		topic := topic
		_, err := c.Execute(ctx, alice, contract, nil, nil, func(b *Block) error {
			b.Emit(types.Log{Address: contract, Topics: []common.Hash{topic}})
			return nil
		})
		require.NoError(t, err)
	}

	select {
	case l := <-ch:
		require.Equal(t, topicB, l.Topics[0])
		require.Equal(t, uint64(2), l.BlockNumber)
	case <-time.After(time.Second):
		t.Fatal("no log delivered")
	}
}

func TestFailAndDisableSubscriptions(t *testing.T) {
	c := New(big.NewInt(1))
	ctx := context.Background()

	sub, err := c.SubscribeFilterLogs(ctx, ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	boom := errors.New("connection reset")
	c.FailSubscriptions(boom)

	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("subscription was not failed")
	}

	c.DisableSubscriptions(true)
	_, err = c.SubscribeFilterLogs(ctx, ethereum.FilterQuery{}, make(chan types.Log))
	require.ErrorIs(t, err, rpc.ErrNotificationsUnsupported)
}

func TestStalledSubscriberDoesNotBlockExecute(t *testing.T) {
	defer func(n int) { subscriptionBuffer = n }(subscriptionBuffer)
	subscriptionBuffer = 2

	c := New(big.NewInt(1))
	ctx := context.Background()
	// nobody reads ch
	sub, err := c.SubscribeFilterLogs(ctx, ethereum.FilterQuery{}, make(chan types.Log))
	require.NoError(t, err)
	defer sub.Unsubscribe()

	executed := make(chan error, 1)
	go func() {
		for i := 0; i < 10; i++ {
			if _, err := c.Execute(ctx, alice, contract, nil, nil, func(b *Block) error {
				b.Emit(types.Log{Address: contract, Topics: []common.Hash{topicA}})
				return nil
			}); err != nil {
				executed <- err
				return
			}
		}
		executed <- nil
	}()

	select {
	case err := <-executed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Execute blocked on a stalled subscriber")
	}
	select {
	case err := <-sub.Err():
		require.ErrorIs(t, err, ErrSubscriptionOverflow)
	case <-time.After(time.Second):
		t.Fatal("overflowed subscription was not ended")
	}
	head, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(10), head)
}

func TestRevertErrorCarriesABIData(t *testing.T) {
	var de rpc.DataError = &RevertError{Reason: "Only seller can accept"}
	data, err := hexutil.Decode(de.ErrorData().(string))
	require.NoError(t, err)
	reason, err := abi.UnpackRevert(data)
	require.NoError(t, err)
	require.Equal(t, "Only seller can accept", reason)
}
