package escrow

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"krine/internal/contracts"
	"krine/internal/session"
	"krine/internal/simchain"
)

// Revert reasons raised by the Escrow contract.
const (
	ReasonInvalidSeller = "Invalid seller"
	ReasonZeroDeposit   = "Deposit must be greater than 0"
	ReasonNotFound      = "Escrow does not exist"
	ReasonOnlyBuyer     = "Only buyer can release"
	ReasonNotParty      = "Not a participant"
	ReasonFinalized     = "Escrow already finalized"
)

// FakeClient holds deposits in custody of its own address on a simchain
// ledger and pays them out on release or refund.
type FakeClient struct {
	chain   *simchain.Chain
	address common.Address

	mu      sync.RWMutex
	escrows []Escrow
}

func NewFakeClient(chain *simchain.Chain, address common.Address) *FakeClient {
	chain.Deploy(address)
	return &FakeClient{chain: chain, address: address}
}

func (f *FakeClient) Address() common.Address { return f.address }

func (f *FakeClient) GetEscrow(ctx context.Context, id uint64) (Escrow, error) {
	if err := ctx.Err(); err != nil {
		return Escrow{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id >= uint64(len(f.escrows)) {
		return Escrow{}, simchain.Revert(ReasonNotFound)
	}
	return f.escrows[id].Clone(), nil
}

func (f *FakeClient) EscrowCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.escrows)), nil
}

func (f *FakeClient) Deposit(ctx context.Context, sess *session.Session, seller common.Address, domain string, value *big.Int) (*types.Transaction, error) {
	from, err := signer(sess)
	if err != nil {
		return nil, err
	}
	input, err := contracts.Escrow().Pack("deposit", seller, domain)
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, value, input, func(b *simchain.Block) error {
		if seller == (common.Address{}) {
			return simchain.Revert(ReasonInvalidSeller)
		}
		if b.Value.Sign() <= 0 {
			return simchain.Revert(ReasonZeroDeposit)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		id := uint64(len(f.escrows))
		log, err := contracts.PackLog(contracts.Escrow(), f.address, contracts.EventEscrowCreated,
			new(big.Int).SetUint64(id), from, seller, domain, new(big.Int).Set(b.Value))
		if err != nil {
			return err
		}
		f.escrows = append(f.escrows, Escrow{
			ID:     id,
			Buyer:  from,
			Seller: seller,
			Domain: domain,
			Amount: new(big.Int).Set(b.Value),
		})
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) Release(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	from, err := signer(sess)
	if err != nil {
		return nil, err
	}
	input, err := contracts.Escrow().Pack("release", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		e, err := f.openLocked(id)
		if err != nil {
			return err
		}
		if from != e.Buyer {
			return simchain.Revert(ReasonOnlyBuyer)
		}
		log, err := contracts.PackLog(contracts.Escrow(), f.address, contracts.EventFundsReleased,
			new(big.Int).SetUint64(id), e.Seller, new(big.Int).Set(e.Amount))
		if err != nil {
			return err
		}
		if err := b.Transfer(f.address, e.Seller, e.Amount); err != nil {
			return err
		}
		e.Released = true
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) Refund(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	from, err := signer(sess)
	if err != nil {
		return nil, err
	}
	input, err := contracts.Escrow().Pack("refund", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		e, err := f.openLocked(id)
		if err != nil {
			return err
		}
		if !e.IsParticipant(from) {
			return simchain.Revert(ReasonNotParty)
		}
		log, err := contracts.PackLog(contracts.Escrow(), f.address, contracts.EventFundsRefunded,
			new(big.Int).SetUint64(id), e.Buyer, new(big.Int).Set(e.Amount))
		if err != nil {
			return err
		}
		if err := b.Transfer(f.address, e.Buyer, e.Amount); err != nil {
			return err
		}
		e.Refunded = true
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) openLocked(id uint64) (*Escrow, error) {
	if id >= uint64(len(f.escrows)) {
		return nil, simchain.Revert(ReasonNotFound)
	}
	e := &f.escrows[id]
	if e.Terminal() {
		return nil, simchain.Revert(ReasonFinalized)
	}
	return e, nil
}

func signer(sess *session.Session) (common.Address, error) {
	if sess == nil || !sess.CanSign() {
		return common.Address{}, session.ErrReadOnly
	}
	return sess.Account(), nil
}
