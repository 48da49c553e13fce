package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"krine/internal/session"
	"krine/internal/simchain"
)

var (
	testChainID = big.NewInt(80002)
	escrowAddr  = common.HexToAddress("0x00000000000000000000000000000000000000e5")
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	opts, err := bind.NewKeyedTransactorWithChainID(key, testChainID)
	require.NoError(t, err)
	return session.New(opts.From, testChainID, opts.Signer)
}

type fixture struct {
	chain  *simchain.Chain
	client *FakeClient
	buyer  *session.Session
	seller *session.Session
	other  *session.Session
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		chain:  simchain.New(testChainID),
		buyer:  newSession(t),
		seller: newSession(t),
		other:  newSession(t),
	}
	f.client = NewFakeClient(f.chain, escrowAddr)
	f.chain.Fund(f.buyer.Account(), big.NewInt(1_000))
	return f
}

func (f *fixture) deposit(t *testing.T, amount int64) uint64 {
	t.Helper()
	ctx := context.Background()
	tx, err := f.client.Deposit(ctx, f.buyer, f.seller.Account(), "example.io", big.NewInt(amount))
	require.NoError(t, err)
	receipt, err := f.chain.WaitMined(ctx, tx)
	require.NoError(t, err)
	ev, err := CreatedFromReceipt(escrowAddr, receipt)
	require.NoError(t, err)
	require.Equal(t, amount, ev.Amount.Int64())
	return ev.EscrowId.Uint64()
}

func balance(t *testing.T, c *simchain.Chain, addr common.Address) int64 {
	t.Helper()
	bal, err := c.BalanceAt(context.Background(), addr, nil)
	require.NoError(t, err)
	return bal.Int64()
}

func requireReverted(t *testing.T, err error, reason string) {
	t.Helper()
	var rev *simchain.RevertError
	require.True(t, errors.As(err, &rev), "want revert, got %v", err)
	require.Equal(t, reason, rev.Reason)
}

func TestEscrowReleaseScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.deposit(t, 150)
	e, err := f.client.GetEscrow(ctx, id)
	require.NoError(t, err)
	require.False(t, e.Released)
	require.False(t, e.Refunded)
	require.Equal(t, int64(150), e.Amount.Int64())
	require.Equal(t, f.buyer.Account(), e.Buyer)
	require.Equal(t, int64(850), balance(t, f.chain, f.buyer.Account()))
	require.Equal(t, int64(150), balance(t, f.chain, escrowAddr))

	_, err = f.client.Release(ctx, f.buyer, id)
	require.NoError(t, err)
	e, _ = f.client.GetEscrow(ctx, id)
	require.True(t, e.Released)
	require.False(t, e.Refunded)
	require.Equal(t, int64(150), balance(t, f.chain, f.seller.Account()))
	require.Zero(t, balance(t, f.chain, escrowAddr))

	_, err = f.client.Release(ctx, f.buyer, id)
	requireReverted(t, err, ReasonFinalized)
	_, err = f.client.Refund(ctx, f.buyer, id)
	requireReverted(t, err, ReasonFinalized)
	_, err = f.client.Refund(ctx, f.seller, id)
	requireReverted(t, err, ReasonFinalized)

	e, _ = f.client.GetEscrow(ctx, id)
	require.False(t, e.Released && e.Refunded)
}

func TestEscrowRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.deposit(t, 200)

	_, err := f.client.Refund(ctx, f.other, id)
	requireReverted(t, err, ReasonNotParty)
	_, err = f.client.Release(ctx, f.seller, id)
	requireReverted(t, err, ReasonOnlyBuyer)

	_, err = f.client.Refund(ctx, f.seller, id)
	require.NoError(t, err)
	require.Equal(t, int64(1_000), balance(t, f.chain, f.buyer.Account()))

	_, err = f.client.Release(ctx, f.buyer, id)
	requireReverted(t, err, ReasonFinalized)
	e, _ := f.client.GetEscrow(ctx, id)
	require.True(t, e.Refunded)
	require.False(t, e.Released)
}

func TestDepositValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Deposit(ctx, f.buyer, f.seller.Account(), "example.io", nil)
	requireReverted(t, err, ReasonZeroDeposit)
	_, err = f.client.Deposit(ctx, f.buyer, common.Address{}, "example.io", big.NewInt(1))
	requireReverted(t, err, ReasonInvalidSeller)
	_, err = f.client.Deposit(ctx, f.buyer, f.seller.Account(), "example.io", big.NewInt(5_000))
	require.ErrorIs(t, err, simchain.ErrInsufficientFunds)
	_, err = f.client.Deposit(ctx, session.ReadOnly(f.buyer.Account(), testChainID), f.seller.Account(), "example.io", big.NewInt(1))
	require.ErrorIs(t, err, session.ErrReadOnly)

	count, err := f.client.EscrowCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, int64(1_000), balance(t, f.chain, f.buyer.Account()))

	_, err = f.client.GetEscrow(ctx, 0)
	requireReverted(t, err, ReasonNotFound)
}
