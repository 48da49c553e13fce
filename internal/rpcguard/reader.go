package rpcguard

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"krine/internal/escrow"
	"krine/internal/negotiation"
)

// NegotiationReader guards every read of an underlying negotiation.Reader.
type NegotiationReader struct {
	guard *Guard
	next  negotiation.Reader
}

func NewNegotiationReader(g *Guard, next negotiation.Reader) *NegotiationReader {
	return &NegotiationReader{guard: g, next: next}
}

func (r *NegotiationReader) GetNegotiation(ctx context.Context, id uint64) (negotiation.Negotiation, error) {
	return Do(ctx, r.guard, "getNegotiation", fmt.Sprintf("negotiation:%d", id), func(ctx context.Context) (negotiation.Negotiation, error) {
		return r.next.GetNegotiation(ctx, id)
	})
}

func (r *NegotiationReader) GetUserNegotiations(ctx context.Context, user common.Address) ([]uint64, error) {
	return Do(ctx, r.guard, "getUserNegotiations", "user:"+user.Hex(), func(ctx context.Context) ([]uint64, error) {
		return r.next.GetUserNegotiations(ctx, user)
	})
}

func (r *NegotiationReader) GetMessages(ctx context.Context, id uint64) ([]negotiation.Message, error) {
	return Do(ctx, r.guard, "getMessages", fmt.Sprintf("messages:%d", id), func(ctx context.Context) ([]negotiation.Message, error) {
		return r.next.GetMessages(ctx, id)
	})
}

func (r *NegotiationReader) GetMessageCount(ctx context.Context, id uint64) (uint64, error) {
	return Do(ctx, r.guard, "getMessageCount", fmt.Sprintf("messageCount:%d", id), func(ctx context.Context) (uint64, error) {
		return r.next.GetMessageCount(ctx, id)
	})
}

func (r *NegotiationReader) NegotiationCount(ctx context.Context) (uint64, error) {
	return Do(ctx, r.guard, "negotiationCount", "negotiationCount", r.next.NegotiationCount)
}

// EscrowReader guards every read of an underlying escrow.Reader.
type EscrowReader struct {
	guard *Guard
	next  escrow.Reader
}

func NewEscrowReader(g *Guard, next escrow.Reader) *EscrowReader {
	return &EscrowReader{guard: g, next: next}
}

func (r *EscrowReader) GetEscrow(ctx context.Context, id uint64) (escrow.Escrow, error) {
	return Do(ctx, r.guard, "getEscrow", fmt.Sprintf("escrow:%d", id), func(ctx context.Context) (escrow.Escrow, error) {
		return r.next.GetEscrow(ctx, id)
	})
}

func (r *EscrowReader) EscrowCount(ctx context.Context) (uint64, error) {
	return Do(ctx, r.guard, "escrowCount", "escrowCount", r.next.EscrowCount)
}
