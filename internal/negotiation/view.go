package negotiation

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"krine/internal/units"
)

const (
	NoticeInactive       = "This negotiation is no longer active"
	NoticeNotParticipant = "You are not a participant in this negotiation"
)

// Actions lists the controls an account is offered for one negotiation. The
// contract remains the only authority; hidden controls are a convenience.
type Actions struct {
	Role      Role   `json:"role"`
	CanAccept bool   `json:"canAccept"`
	CanReject bool   `json:"canReject"`
	CanSend   bool   `json:"canSend"`
	CanClose  bool   `json:"canClose"`
	Notice    string `json:"notice,omitempty"`
}

func ActionsFor(n Negotiation, account common.Address) Actions {
	a := Actions{Role: n.RoleOf(account)}
	switch {
	case n.Status != StatusActive:
		a.Notice = NoticeInactive
	case a.Role == RoleObserver:
		a.Notice = NoticeNotParticipant
	default:
		a.CanSend = true
		a.CanClose = true
		if a.Role == RoleSeller {
			a.CanAccept = true
			a.CanReject = true
		}
	}
	return a
}

// Summary is one inbox card.
type Summary struct {
	ID           uint64         `json:"id"`
	Domain       string         `json:"domain"`
	Role         Role           `json:"role"`
	Direction    string         `json:"direction"`
	Counterparty common.Address `json:"counterparty"`
	ShortParty   string         `json:"counterpartyShort"`
	InitialOffer string         `json:"initialOffer"`
	CurrentOffer string         `json:"currentOffer"`
	Status       Status         `json:"status"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func Summarize(n Negotiation, account common.Address, symbol string) Summary {
	role := n.RoleOf(account)
	direction := "Selling to"
	if role == RoleBuyer {
		direction = "Buying from"
	}
	party := n.Counterparty(account)
	return Summary{
		ID:           n.ID,
		Domain:       n.Domain,
		Role:         role,
		Direction:    direction,
		Counterparty: party,
		ShortParty:   units.ShortAddress(party),
		InitialOffer: units.FormatAmount(n.InitialOffer, symbol),
		CurrentOffer: units.FormatAmount(n.CurrentOffer, symbol),
		Status:       n.Status,
		UpdatedAt:    n.UpdatedAt,
	}
}

// OfferChanged reports whether current differs from the initial offer.
func (n Negotiation) OfferChanged() bool {
	if n.InitialOffer == nil || n.CurrentOffer == nil {
		return false
	}
	return n.InitialOffer.Cmp(n.CurrentOffer) != 0
}

// AgreedPrice is the frozen price of an accepted negotiation.
func (n Negotiation) AgreedPrice() (*big.Int, bool) {
	if n.Status != StatusAccepted || n.CurrentOffer == nil {
		return nil, false
	}
	return new(big.Int).Set(n.CurrentOffer), true
}
