package txlife

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptFetcher is the part of ethclient.Client used to poll for receipts.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// HeadReader reports the current block height.
type HeadReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitConfirmations blocks until receipt is buried under confirmations
// blocks, counting its own block as the first.
func WaitConfirmations(ctx context.Context, head HeadReader, receipt *types.Receipt, confirmations uint64, interval time.Duration) error {
	if receipt == nil || receipt.BlockNumber == nil {
		return fmt.Errorf("receipt has no block number")
	}
	if confirmations <= 1 {
		return nil
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	target := receipt.BlockNumber.Uint64() + confirmations - 1
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := head.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("block number: %w", err)
		}
		if n >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollingWaiter waits for receipts with WaitForReceipt.
type PollingWaiter struct {
	Client   ReceiptFetcher
	Interval time.Duration
}

func (w PollingWaiter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return WaitForReceipt(ctx, w.Client, tx.Hash(), w.Interval)
}
