package negotiation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"krine/internal/contracts"
	"krine/internal/session"
)

// Reader performs pure reads against the Negotiation contract.
type Reader interface {
	GetNegotiation(ctx context.Context, id uint64) (Negotiation, error)
	GetUserNegotiations(ctx context.Context, user common.Address) ([]uint64, error)
	GetMessages(ctx context.Context, id uint64) ([]Message, error)
	GetMessageCount(ctx context.Context, id uint64) (uint64, error)
	NegotiationCount(ctx context.Context) (uint64, error)
}

// Writer submits state-changing calls as the session's account. The returned
// transaction has been broadcast but not necessarily mined.
type Writer interface {
	StartNegotiation(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (*types.Transaction, error)
	SendMessage(ctx context.Context, sess *session.Session, id uint64, content string, offerAmount *big.Int) (*types.Transaction, error)
	AcceptOffer(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error)
	CloseNegotiation(ctx context.Context, sess *session.Session, id uint64, rejected bool) (*types.Transaction, error)
}

// Client abstracts the on-chain negotiation interaction.
type Client interface {
	Reader
	Writer
	Address() common.Address
}

// StartedFromReceipt extracts the NegotiationStarted event of a mined
// startNegotiation transaction; its id is the new negotiation's id.
func StartedFromReceipt(address common.Address, receipt *types.Receipt) (contracts.NegotiationStarted, error) {
	var ev contracts.NegotiationStarted
	err := contracts.FindLog(contracts.Negotiation(), receipt, address, contracts.EventNegotiationStarted, &ev)
	return ev, err
}
