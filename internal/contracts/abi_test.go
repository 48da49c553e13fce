package contracts

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x229016d64ECb1543d52512B207420409E9D0127A")
	testBuyer    = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testSeller   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

func TestPackLogNegotiationStarted(t *testing.T) {
	log, err := PackLog(Negotiation(), testContract, EventNegotiationStarted,
		big.NewInt(3), testBuyer, testSeller, "example.io", big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, log.Topics, 4)
	require.Equal(t, Topic(Negotiation(), EventNegotiationStarted), log.Topics[0])
	require.Equal(t, common.BytesToHash(testBuyer.Bytes()), log.Topics[2])

	name, ok := EventName(Negotiation(), log)
	require.True(t, ok)
	require.Equal(t, EventNegotiationStarted, name)

	var ev NegotiationStarted
	require.NoError(t, UnpackLog(Negotiation(), &ev, EventNegotiationStarted, log))
	require.Equal(t, int64(3), ev.NegotiationId.Int64())
	require.Equal(t, testBuyer, ev.Buyer)
	require.Equal(t, testSeller, ev.Seller)
	require.Equal(t, "example.io", ev.Domain)
	require.Equal(t, int64(100), ev.InitialOffer.Int64())
}

func TestUnpackLogRejectsOtherEvent(t *testing.T) {
	log, err := PackLog(Negotiation(), testContract, EventNegotiationClosed, big.NewInt(1), uint8(2))
	require.NoError(t, err)

	var ev MessageSent
	require.ErrorIs(t, UnpackLog(Negotiation(), &ev, EventMessageSent, log), ErrEventMismatch)

	var closed NegotiationClosed
	require.NoError(t, UnpackLog(Negotiation(), &closed, EventNegotiationClosed, log))
	require.Equal(t, uint8(2), closed.Status)
}

func TestPackLogArgCount(t *testing.T) {
	_, err := PackLog(Escrow(), testContract, EventEscrowCreated, big.NewInt(1))
	require.Error(t, err)
}

func TestFindLog(t *testing.T) {
	created, err := PackLog(Escrow(), testContract, EventEscrowCreated,
		big.NewInt(9), testBuyer, testSeller, "example.io", big.NewInt(150))
	require.NoError(t, err)
	foreign := created
	foreign.Address = testSeller

	receipt := &types.Receipt{Logs: []*types.Log{&foreign, &created}}

	var ev EscrowCreated
	require.NoError(t, FindLog(Escrow(), receipt, testContract, EventEscrowCreated, &ev))
	require.Equal(t, uint64(9), ev.EscrowId.Uint64())
	require.Equal(t, int64(150), ev.Amount.Int64())

	err = FindLog(Escrow(), &types.Receipt{}, testContract, EventEscrowCreated, &ev)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestLoadArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Escrow.json")
	body := `{"contractName":"Escrow","abi":` + EscrowABI + `,"bytecode":"0x6080604052"}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	art, err := LoadArtifact(path)
	require.NoError(t, err)
	require.Equal(t, "Escrow", art.ContractName)

	parsed, err := art.Parsed()
	require.NoError(t, err)
	require.Contains(t, parsed.Methods, "deposit")

	code, err := art.Code()
	require.NoError(t, err)
	require.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, code)
}

func TestLoadArtifactEmptyBytecode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Negotiation.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"abi":[],"bytecode":"0x"}`), 0o600))

	art, err := LoadArtifact(path)
	require.NoError(t, err)
	_, err = art.Code()
	require.Error(t, err)
}
