package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NegotiationABI is the ABI of the deployed Negotiation contract. Function and
// event signatures must not drift from the deployed bytecode.
const NegotiationABI = `[
 {"anonymous":false,"type":"event","name":"MessageSent","inputs":[
  {"indexed":true,"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"sender","type":"address"},
  {"indexed":false,"internalType":"string","name":"content","type":"string"},
  {"indexed":false,"internalType":"uint256","name":"offerAmount","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
 {"anonymous":false,"type":"event","name":"NegotiationClosed","inputs":[
  {"indexed":true,"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"indexed":false,"internalType":"uint8","name":"status","type":"uint8"}]},
 {"anonymous":false,"type":"event","name":"NegotiationStarted","inputs":[
  {"indexed":true,"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"indexed":true,"internalType":"address","name":"buyer","type":"address"},
  {"indexed":true,"internalType":"address","name":"seller","type":"address"},
  {"indexed":false,"internalType":"string","name":"domain","type":"string"},
  {"indexed":false,"internalType":"uint256","name":"initialOffer","type":"uint256"}]},
 {"anonymous":false,"type":"event","name":"OfferAccepted","inputs":[
  {"indexed":true,"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},
  {"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}]},
 {"type":"function","name":"acceptOffer","stateMutability":"nonpayable","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"closeNegotiation","stateMutability":"nonpayable","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"internalType":"bool","name":"rejected","type":"bool"}],"outputs":[]},
 {"type":"function","name":"getMessageCount","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"}],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]},
 {"type":"function","name":"getMessages","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"}],"outputs":[
  {"internalType":"struct Negotiation.Message[]","name":"","type":"tuple[]","components":[
   {"internalType":"address","name":"sender","type":"address"},
   {"internalType":"string","name":"content","type":"string"},
   {"internalType":"uint256","name":"timestamp","type":"uint256"},
   {"internalType":"uint256","name":"offerAmount","type":"uint256"}]}]},
 {"type":"function","name":"getNegotiation","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"}],"outputs":[
  {"internalType":"uint256","name":"id","type":"uint256"},
  {"internalType":"address","name":"buyer","type":"address"},
  {"internalType":"address","name":"seller","type":"address"},
  {"internalType":"string","name":"domain","type":"string"},
  {"internalType":"uint256","name":"initialOffer","type":"uint256"},
  {"internalType":"uint256","name":"currentOffer","type":"uint256"},
  {"internalType":"uint8","name":"status","type":"uint8"},
  {"internalType":"uint256","name":"createdAt","type":"uint256"},
  {"internalType":"uint256","name":"updatedAt","type":"uint256"}]},
 {"type":"function","name":"getUserNegotiations","stateMutability":"view","inputs":[
  {"internalType":"address","name":"user","type":"address"}],"outputs":[
  {"internalType":"uint256[]","name":"","type":"uint256[]"}]},
 {"type":"function","name":"messages","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"internalType":"uint256","name":"","type":"uint256"}],"outputs":[
  {"internalType":"address","name":"sender","type":"address"},
  {"internalType":"string","name":"content","type":"string"},
  {"internalType":"uint256","name":"timestamp","type":"uint256"},
  {"internalType":"uint256","name":"offerAmount","type":"uint256"}]},
 {"type":"function","name":"negotiationCount","stateMutability":"view","inputs":[],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]},
 {"type":"function","name":"negotiations","stateMutability":"view","inputs":[
  {"internalType":"uint256","name":"","type":"uint256"}],"outputs":[
  {"internalType":"uint256","name":"id","type":"uint256"},
  {"internalType":"address","name":"buyer","type":"address"},
  {"internalType":"address","name":"seller","type":"address"},
  {"internalType":"string","name":"domain","type":"string"},
  {"internalType":"uint256","name":"initialOffer","type":"uint256"},
  {"internalType":"uint256","name":"currentOffer","type":"uint256"},
  {"internalType":"uint8","name":"status","type":"uint8"},
  {"internalType":"uint256","name":"createdAt","type":"uint256"},
  {"internalType":"uint256","name":"updatedAt","type":"uint256"}]},
 {"type":"function","name":"sendMessage","stateMutability":"nonpayable","inputs":[
  {"internalType":"uint256","name":"negotiationId","type":"uint256"},
  {"internalType":"string","name":"content","type":"string"},
  {"internalType":"uint256","name":"offerAmount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"startNegotiation","stateMutability":"nonpayable","inputs":[
  {"internalType":"address","name":"seller","type":"address"},
  {"internalType":"string","name":"domain","type":"string"},
  {"internalType":"uint256","name":"initialOffer","type":"uint256"}],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]},
 {"type":"function","name":"userNegotiations","stateMutability":"view","inputs":[
  {"internalType":"address","name":"","type":"address"},
  {"internalType":"uint256","name":"","type":"uint256"}],"outputs":[
  {"internalType":"uint256","name":"","type":"uint256"}]}
]`

// Negotiation event names.
const (
	EventNegotiationStarted = "NegotiationStarted"
	EventMessageSent        = "MessageSent"
	EventOfferAccepted      = "OfferAccepted"
	EventNegotiationClosed  = "NegotiationClosed"
)

// NegotiationStarted mirrors the NegotiationStarted event.
type NegotiationStarted struct {
	NegotiationId *big.Int
	Buyer         common.Address
	Seller        common.Address
	Domain        string
	InitialOffer  *big.Int
}

// MessageSent mirrors the MessageSent event.
type MessageSent struct {
	NegotiationId *big.Int
	Sender        common.Address
	Content       string
	OfferAmount   *big.Int
	Timestamp     *big.Int
}

// OfferAccepted mirrors the OfferAccepted event.
type OfferAccepted struct {
	NegotiationId *big.Int
	Amount        *big.Int
	Timestamp     *big.Int
}

// NegotiationClosed mirrors the NegotiationClosed event.
type NegotiationClosed struct {
	NegotiationId *big.Int
	Status        uint8
}

// MessageTuple is the Negotiation.Message struct returned by getMessages.
type MessageTuple struct {
	Sender      common.Address
	Content     string
	Timestamp   *big.Int
	OfferAmount *big.Int
}
