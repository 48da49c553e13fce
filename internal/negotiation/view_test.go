package negotiation

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	buyerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	sellerAddr = common.HexToAddress("0x0000000000000000000000000000000000000022")
	thirdAddr  = common.HexToAddress("0x0000000000000000000000000000000000000033")
)

func sample(status Status) Negotiation {
	return Negotiation{
		ID:           3,
		Buyer:        buyerAddr,
		Seller:       sellerAddr,
		Domain:       "example.io",
		InitialOffer: big.NewInt(1e17),
		CurrentOffer: big.NewInt(15e16),
		Status:       status,
		UpdatedAt:    time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestActionsFor(t *testing.T) {
	active := sample(StatusActive)

	seller := ActionsFor(active, sellerAddr)
	require.Equal(t, Actions{Role: RoleSeller, CanAccept: true, CanReject: true, CanSend: true, CanClose: true}, seller)

	buyer := ActionsFor(active, buyerAddr)
	require.Equal(t, Actions{Role: RoleBuyer, CanSend: true, CanClose: true}, buyer)

	observer := ActionsFor(active, thirdAddr)
	require.Equal(t, Actions{Role: RoleObserver, Notice: NoticeNotParticipant}, observer)

	for _, s := range []Status{StatusAccepted, StatusRejected, StatusClosed} {
		a := ActionsFor(sample(s), sellerAddr)
		require.Equal(t, Actions{Role: RoleSeller, Notice: NoticeInactive}, a, s.String())
	}
}

func TestSummarize(t *testing.T) {
	n := sample(StatusActive)

	b := Summarize(n, buyerAddr, "MATIC")
	require.Equal(t, "Buying from", b.Direction)
	require.Equal(t, sellerAddr, b.Counterparty)
	require.Equal(t, "0x0000...0022", b.ShortParty)
	require.Equal(t, "0.1 MATIC", b.InitialOffer)
	require.Equal(t, "0.15 MATIC", b.CurrentOffer)

	s := Summarize(n, sellerAddr, "MATIC")
	require.Equal(t, "Selling to", s.Direction)
	require.Equal(t, buyerAddr, s.Counterparty)
	require.Equal(t, RoleSeller, s.Role)
}

func TestStatusHelpers(t *testing.T) {
	require.False(t, StatusActive.Terminal())
	require.True(t, StatusClosed.Terminal())
	require.Equal(t, "Unknown", Status(9).String())

	n := sample(StatusActive)
	require.True(t, n.OfferChanged())
	_, ok := n.AgreedPrice()
	require.False(t, ok)

	m := Message{OfferAmount: big.NewInt(0)}
	require.False(t, m.HasOffer())
	m.OfferAmount = big.NewInt(5)
	require.True(t, m.HasOffer())
}

func TestStatusAndRoleTextRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusActive, StatusAccepted, StatusRejected, StatusClosed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(text))
		require.Equal(t, s, back)
	}
	var r Role
	require.NoError(t, r.UnmarshalText([]byte("seller")))
	require.Equal(t, RoleSeller, r)
	require.Error(t, r.UnmarshalText([]byte("admin")))
}
