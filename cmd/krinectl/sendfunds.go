package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/urfave/cli/v2"

	"krine/internal/session"
	"krine/internal/txlife"
	"krine/internal/units"
)

// The fixed transfer made by send-funds.
var (
	fundsRecipient = common.HexToAddress("0xE81032A865Dd45BF39E8430f72b9FA8f2e2Cb030")
	fundsAmount    = "0.1"
)

const transferGas = 21_000

var sendFunds = cli.Command{
	Name:   "send-funds",
	Usage:  "send 0.1 of the native currency to the test recipient",
	Action: sendFundsAction,
}

type transferBackend interface {
	txlife.ReceiptFetcher
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

func sendFundsAction(c *cli.Context) error {
	n, err := dial(c.Context)
	if err != nil {
		return err
	}
	defer n.close()
	sess, err := n.signer()
	if err != nil {
		return err
	}
	amount, err := units.ParseEther(fundsAmount)
	if err != nil {
		return err
	}
	return sendTo(c.Context, c.App.Writer, n.client, sess, fundsRecipient, amount, n.symbol(), n.pollInterval())
}

func sendTo(ctx context.Context, w io.Writer, backend transferBackend, sess *session.Session, to common.Address, amount *big.Int, symbol string, interval time.Duration) error {
	label := units.FormatAmount(amount, symbol)
	fmt.Fprintf(w, "Sending %s from: %s\n", label, sess.Account().Hex())
	fmt.Fprintln(w, "To:", to.Hex())

	tx, err := transfer(ctx, backend, sess, to, amount)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Transaction hash:", tx.Hash().Hex())

	receipt, err := txlife.WaitForReceipt(ctx, backend, tx.Hash(), interval)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transfer %s: %w", tx.Hash().Hex(), txlife.ErrReverted)
	}
	fmt.Fprintf(w, "Sent %s successfully!\n", label)
	return nil
}

// transfer signs and broadcasts a plain value transfer.
func transfer(ctx context.Context, backend transferBackend, sess *session.Session, to common.Address, amount *big.Int) (*types.Transaction, error) {
	opts, err := sess.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := backend.PendingNonceAt(ctx, opts.From)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tx, err := opts.Signer(opts.From, types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      transferGas,
		GasPrice: gasPrice,
	}))
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}
