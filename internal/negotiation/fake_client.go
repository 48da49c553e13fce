package negotiation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"krine/internal/contracts"
	"krine/internal/session"
	"krine/internal/simchain"
)

// Revert reasons raised by the Negotiation contract.
const (
	ReasonInvalidSeller  = "Invalid seller address"
	ReasonZeroOffer      = "Initial offer must be greater than 0"
	ReasonNotFound       = "Negotiation does not exist"
	ReasonNotActive      = "Negotiation is not active"
	ReasonNotParticipant = "Not a participant"
	ReasonOnlySellerCan  = "Only seller can accept"
)

// FakeClient runs the Negotiation contract rules against a simchain ledger.
// Suitable for local development and tests.
type FakeClient struct {
	chain   *simchain.Chain
	address common.Address

	mu      sync.RWMutex
	records []Negotiation
	threads [][]Message
	byUser  map[common.Address][]uint64
	reject  error
}

// NewFakeClient deploys a fake Negotiation contract at address on chain.
func NewFakeClient(chain *simchain.Chain, address common.Address) *FakeClient {
	chain.Deploy(address)
	return &FakeClient{
		chain:   chain,
		address: address,
		byUser:  make(map[common.Address][]uint64),
	}
}

func (f *FakeClient) Address() common.Address { return f.address }

// RejectNext makes the next write fail with err before anything is broadcast,
// the way a wallet refusing to sign does.
func (f *FakeClient) RejectNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject = err
}

func (f *FakeClient) GetNegotiation(ctx context.Context, id uint64) (Negotiation, error) {
	if err := ctx.Err(); err != nil {
		return Negotiation{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id >= uint64(len(f.records)) {
		return Negotiation{}, simchain.Revert(ReasonNotFound)
	}
	return f.records[id].Clone(), nil
}

func (f *FakeClient) GetUserNegotiations(ctx context.Context, user common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]uint64{}, f.byUser[user]...), nil
}

func (f *FakeClient) GetMessages(ctx context.Context, id uint64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id >= uint64(len(f.threads)) {
		return nil, simchain.Revert(ReasonNotFound)
	}
	out := make([]Message, 0, len(f.threads[id]))
	for _, m := range f.threads[id] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (f *FakeClient) GetMessageCount(ctx context.Context, id uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if id >= uint64(len(f.threads)) {
		return 0, simchain.Revert(ReasonNotFound)
	}
	return uint64(len(f.threads[id])), nil
}

func (f *FakeClient) NegotiationCount(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.records)), nil
}

func (f *FakeClient) StartNegotiation(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (*types.Transaction, error) {
	from, err := f.sender(sess)
	if err != nil {
		return nil, err
	}
	offer := orZero(initialOffer)
	input, err := contracts.Negotiation().Pack("startNegotiation", seller, domain, offer)
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		if seller == (common.Address{}) {
			return simchain.Revert(ReasonInvalidSeller)
		}
		if offer.Sign() <= 0 {
			return simchain.Revert(ReasonZeroOffer)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		id := uint64(len(f.records))
		log, err := contracts.PackLog(contracts.Negotiation(), f.address, contracts.EventNegotiationStarted,
			new(big.Int).SetUint64(id), from, seller, domain, offer)
		if err != nil {
			return err
		}

		ts := blockTime(b)
		f.records = append(f.records, Negotiation{
			ID:           id,
			Buyer:        from,
			Seller:       seller,
			Domain:       domain,
			InitialOffer: cloneInt(offer),
			CurrentOffer: cloneInt(offer),
			Status:       StatusActive,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		})
		f.threads = append(f.threads, nil)
		f.byUser[from] = append(f.byUser[from], id)
		if seller != from {
			f.byUser[seller] = append(f.byUser[seller], id)
		}
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) SendMessage(ctx context.Context, sess *session.Session, id uint64, content string, offerAmount *big.Int) (*types.Transaction, error) {
	from, err := f.sender(sess)
	if err != nil {
		return nil, err
	}
	offer := orZero(offerAmount)
	input, err := contracts.Negotiation().Pack("sendMessage", new(big.Int).SetUint64(id), content, offer)
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := f.activeLocked(id)
		if err != nil {
			return err
		}
		if !n.IsParticipant(from) {
			return simchain.Revert(ReasonNotParticipant)
		}
		log, err := contracts.PackLog(contracts.Negotiation(), f.address, contracts.EventMessageSent,
			new(big.Int).SetUint64(id), from, content, offer, new(big.Int).SetUint64(b.Time))
		if err != nil {
			return err
		}

		ts := blockTime(b)
		f.threads[id] = append(f.threads[id], Message{
			Sender:      from,
			Content:     content,
			Timestamp:   ts,
			OfferAmount: cloneInt(offer),
		})
		if offer.Sign() > 0 {
			n.CurrentOffer = cloneInt(offer)
		}
		n.UpdatedAt = ts
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) AcceptOffer(ctx context.Context, sess *session.Session, id uint64) (*types.Transaction, error) {
	from, err := f.sender(sess)
	if err != nil {
		return nil, err
	}
	input, err := contracts.Negotiation().Pack("acceptOffer", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := f.activeLocked(id)
		if err != nil {
			return err
		}
		if from != n.Seller {
			return simchain.Revert(ReasonOnlySellerCan)
		}
		log, err := contracts.PackLog(contracts.Negotiation(), f.address, contracts.EventOfferAccepted,
			new(big.Int).SetUint64(id), cloneInt(n.CurrentOffer), new(big.Int).SetUint64(b.Time))
		if err != nil {
			return err
		}
		n.Status = StatusAccepted
		n.UpdatedAt = blockTime(b)
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) CloseNegotiation(ctx context.Context, sess *session.Session, id uint64, rejected bool) (*types.Transaction, error) {
	from, err := f.sender(sess)
	if err != nil {
		return nil, err
	}
	input, err := contracts.Negotiation().Pack("closeNegotiation", new(big.Int).SetUint64(id), rejected)
	if err != nil {
		return nil, err
	}
	return f.chain.Execute(ctx, from, f.address, nil, input, func(b *simchain.Block) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := f.activeLocked(id)
		if err != nil {
			return err
		}
		if !n.IsParticipant(from) {
			return simchain.Revert(ReasonNotParticipant)
		}
		status := StatusClosed
		if rejected {
			status = StatusRejected
		}
		log, err := contracts.PackLog(contracts.Negotiation(), f.address, contracts.EventNegotiationClosed,
			new(big.Int).SetUint64(id), uint8(status))
		if err != nil {
			return err
		}
		n.Status = status
		n.UpdatedAt = blockTime(b)
		b.Emit(log)
		return nil
	})
}

func (f *FakeClient) sender(sess *session.Session) (common.Address, error) {
	if sess == nil || !sess.CanSign() {
		return common.Address{}, session.ErrReadOnly
	}
	f.mu.Lock()
	err := f.reject
	f.reject = nil
	f.mu.Unlock()
	if err != nil {
		return common.Address{}, err
	}
	return sess.Account(), nil
}

func (f *FakeClient) activeLocked(id uint64) (*Negotiation, error) {
	if id >= uint64(len(f.records)) {
		return nil, simchain.Revert(ReasonNotFound)
	}
	n := &f.records[id]
	if n.Status != StatusActive {
		return nil, simchain.Revert(ReasonNotActive)
	}
	return n, nil
}

func blockTime(b *simchain.Block) time.Time {
	return time.Unix(int64(b.Time), 0).UTC()
}
