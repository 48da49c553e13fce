package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"krine/internal/contracts"
	"krine/internal/session"
)

type Reader interface {
	GetEscrow(ctx context.Context, id uint64) (Escrow, error)
	EscrowCount(ctx context.Context) (uint64, error)
}

// Writer submits escrow transactions as the session's account.
type Writer interface {
	Deposit(ctx context.Context, sess *session.Session, seller common.Address, domain string, value *big.Int) (*types.Transaction, error)
	Release(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error)
	Refund(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error)
}

// Client abstracts the on-chain escrow interaction.
type Client interface {
	Reader
	Writer
	Address() common.Address
}

// CreatedFromReceipt extracts the EscrowCreated event of a mined deposit.
func CreatedFromReceipt(address common.Address, receipt *types.Receipt) (contracts.EscrowCreated, error) {
	var ev contracts.EscrowCreated
	err := contracts.FindLog(contracts.Escrow(), receipt, address, contracts.EventEscrowCreated, &ev)
	return ev, err
}
