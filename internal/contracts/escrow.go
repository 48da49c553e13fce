package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowABI is the ABI of the Escrow contract as called by the frontend.
const EscrowABI = `[
 {"anonymous":false,"type":"event","name":"EscrowCreated","inputs":[
  {"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"buyer","type":"address"},
  {"indexed":true,"internalType":"address","name":"seller","type":"address"},
  {"indexed":false,"internalType":"string","name":"domain","type":"string"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
 {"anonymous":false,"type":"event","name":"FundsReleased","inputs":[
  {"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"seller","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
 {"anonymous":false,"type":"event","name":"FundsRefunded","inputs":[
  {"indexed":true,"internalType":"uint256","name":"escrowId","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"buyer","type":"address"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}]},
 {"type":"function","name":"deposit","stateMutability":"payable","inputs":[
  {"internalType":"address","name":"seller","type":"address"},
  {"internalType":"string","name":"domain","type":"string"}],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]},
 {"type":"function","name":"escrowCount","stateMutability":"view","inputs":[],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]},
 {"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"escrowId","type":"uint256"}],"outputs":[
  {"internalType":"address","name":"buyer","type":"address"},
  {"internalType":"address","name":"seller","type":"address"},
  {"internalType":"string","name":"domain","type":"string"},
  {"internalType":"uint256","name":"amount","type":"uint256"},
  {"internalType":"bool","name":"released","type":"bool"},
  {"internalType":"bool","name":"refunded","type":"bool"}]},
 {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
  {"internalType":"uint256","name":"escrowId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
  {"internalType":"uint256","name":"escrowId","type":"uint256"}],"outputs":[]}
]`

// Escrow event names.
const (
	EventEscrowCreated = "EscrowCreated"
	EventFundsReleased = "FundsReleased"
	EventFundsRefunded = "FundsRefunded"
)

// EscrowCreated mirrors the EscrowCreated event.
type EscrowCreated struct {
	EscrowId *big.Int
	Buyer    common.Address
	Seller   common.Address
	Domain   string
	Amount   *big.Int
}
