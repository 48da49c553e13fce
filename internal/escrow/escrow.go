// Package escrow is the read/write layer over the Escrow contract and the
// client-side convention linking an escrow to a negotiation.
package escrow

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"krine/internal/negotiation"
)

// Escrow is a snapshot of one custody record.
type Escrow struct {
	ID       uint64         `json:"id"`
	Buyer    common.Address `json:"buyer"`
	Seller   common.Address `json:"seller"`
	Domain   string         `json:"domain"`
	Amount   *big.Int       `json:"amount"`
	Released bool           `json:"released"`
	Refunded bool           `json:"refunded"`
}

// Terminal reports whether the funds have left custody.
func (e Escrow) Terminal() bool { return e.Released || e.Refunded }

func (e Escrow) IsParticipant(addr common.Address) bool {
	return addr == e.Buyer || addr == e.Seller
}

func (e Escrow) Clone() Escrow {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}

// State is a display label for the escrow.
func (e Escrow) State() string {
	switch {
	case e.Released:
		return "Released"
	case e.Refunded:
		return "Refunded"
	}
	return "Held"
}

// Actions lists the escrow controls offered to an account.
type Actions struct {
	CanRelease bool `json:"canRelease"`
	CanRefund  bool `json:"canRefund"`
}

// ActionsFor mirrors the contract rules: only the buyer releases, either
// party may refund, nothing once terminal.
func ActionsFor(e Escrow, account common.Address) Actions {
	if e.Terminal() {
		return Actions{}
	}
	return Actions{
		CanRelease: account == e.Buyer,
		CanRefund:  e.IsParticipant(account),
	}
}

// DepositOffer is a prefilled deposit for an accepted negotiation.
type DepositOffer struct {
	Seller common.Address `json:"seller"`
	Domain string         `json:"domain"`
	Amount *big.Int       `json:"amount"`
}

// DepositFor offers the buyer of an accepted negotiation a deposit of the
// agreed price.
func DepositFor(n negotiation.Negotiation, account common.Address) (DepositOffer, bool) {
	price, ok := n.AgreedPrice()
	if !ok || account != n.Buyer {
		return DepositOffer{}, false
	}
	return DepositOffer{Seller: n.Seller, Domain: n.Domain, Amount: price}, true
}

// Matches reports whether e is, by convention, the escrow of n: same seller,
// the same domain ignoring case, and an amount equal to the agreed price of
// an accepted negotiation. Nothing on chain enforces the link.
func Matches(e Escrow, n negotiation.Negotiation) bool {
	if e.Seller != n.Seller || !strings.EqualFold(e.Domain, n.Domain) {
		return false
	}
	price, ok := n.AgreedPrice()
	return ok && e.Amount != nil && e.Amount.Cmp(price) == 0
}
