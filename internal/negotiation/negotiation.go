// Package negotiation is the read/write layer over the Negotiation contract.
package negotiation

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status mirrors the contract's NegotiationStatus enum.
type Status uint8

const (
	StatusActive Status = iota
	StatusAccepted
	StatusRejected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusAccepted:
		return "Accepted"
	case StatusRejected:
		return "Rejected"
	case StatusClosed:
		return "Closed"
	}
	return "Unknown"
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s != StatusActive }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	for v := StatusActive; v <= StatusClosed; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown negotiation status %q", text)
}

// Role of an account within one negotiation.
type Role int

const (
	RoleObserver Role = iota
	RoleBuyer
	RoleSeller
)

func (r Role) String() string {
	switch r {
	case RoleBuyer:
		return "buyer"
	case RoleSeller:
		return "seller"
	}
	return "observer"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(text []byte) error {
	for v := RoleObserver; v <= RoleSeller; v++ {
		if v.String() == string(text) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown role %q", text)
}

// Negotiation is a snapshot of one on-chain negotiation record.
type Negotiation struct {
	ID           uint64         `json:"id"`
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	Domain       string         `json:"domain"`
	InitialOffer *big.Int       `json:"initialOffer"`
	CurrentOffer *big.Int       `json:"currentOffer"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (n Negotiation) RoleOf(addr common.Address) Role {
	switch addr {
	case n.Seller:
		return RoleSeller
	case n.Buyer:
		return RoleBuyer
	}
	return RoleObserver
}

func (n Negotiation) IsParticipant(addr common.Address) bool {
	return addr == n.Buyer || addr == n.Seller
}

// Counterparty returns the other participant from addr's point of view.
func (n Negotiation) Counterparty(addr common.Address) common.Address {
	if addr == n.Buyer {
		return n.Seller
	}
	return n.Buyer
}

// Clone returns a deep copy.
func (n Negotiation) Clone() Negotiation {
	n.InitialOffer = cloneInt(n.InitialOffer)
	n.CurrentOffer = cloneInt(n.CurrentOffer)
	return n
}

// Message is one entry of a negotiation's append-only thread.
type Message struct {
	Sender      common.Address `json:"sender"`
	Content     string         `json:"content"`
	Timestamp   time.Time      `json:"timestamp"`
	OfferAmount *big.Int       `json:"offerAmount"`
}

// HasOffer reports whether the message proposes a new current offer.
func (m Message) HasOffer() bool {
	return m.OfferAmount != nil && m.OfferAmount.Sign() > 0
}

func (m Message) Clone() Message {
	m.OfferAmount = cloneInt(m.OfferAmount)
	return m
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func unixTime(v *big.Int) time.Time {
	if v == nil || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
