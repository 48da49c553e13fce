package negotiation

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/common"

	"krine/internal/units"
)

// ErrInvalidInput marks user input rejected before any network call.
var ErrInvalidInput = errors.New("invalid input")

const maxDomainLength = 253

// StartInput is the raw form data of a new negotiation.
type StartInput struct {
	Seller string `json:"seller"`
	Domain string `json:"domain"`
	Offer  string `json:"offer"`
}

// StartRequest is a validated StartInput ready for StartNegotiation.
type StartRequest struct {
	Seller       common.Address
	Domain       string
	InitialOffer *big.Int
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// ValidateStart checks a new negotiation form.
func ValidateStart(in StartInput) (StartRequest, error) {
	domain := strings.TrimSpace(in.Domain)
	seller := strings.TrimSpace(in.Seller)
	if domain == "" || seller == "" {
		return StartRequest{}, invalid("Missing domain or seller information")
	}
	if err := validateDomain(domain); err != nil {
		return StartRequest{}, err
	}
	if !common.IsHexAddress(seller) {
		return StartRequest{}, invalid("Invalid seller address")
	}
	addr := common.HexToAddress(seller)
	if addr == (common.Address{}) {
		return StartRequest{}, invalid("Invalid seller address")
	}
	offer, err := positiveAmount(in.Offer)
	if err != nil {
		return StartRequest{}, invalid("Please enter a valid initial offer amount")
	}
	return StartRequest{Seller: addr, Domain: domain, InitialOffer: offer}, nil
}

func validateDomain(domain string) error {
	if len(domain) > maxDomainLength {
		return invalid("Domain name is too long")
	}
	if strings.IndexFunc(domain, unicode.IsSpace) >= 0 {
		return invalid("Domain name must not contain spaces")
	}
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return invalid("Please enter a valid domain name")
	}
	return nil
}

func positiveAmount(s string) (*big.Int, error) {
	wei, err := units.ParseEther(s)
	if err != nil {
		return nil, err
	}
	if wei.Sign() <= 0 {
		return nil, units.ErrInvalidAmount
	}
	return wei, nil
}

// ComposedMessage is a validated sendMessage payload.
type ComposedMessage struct {
	Content     string
	OfferAmount *big.Int
}

// ComposeMessage validates the message composer. A message needs content, an
// offer, or both; an offer with no content gets a generated description.
func ComposeMessage(content, offer string, includeOffer bool, symbol string) (ComposedMessage, error) {
	content = strings.TrimSpace(content)
	if !includeOffer {
		if content == "" {
			return ComposedMessage{}, invalid("Please enter a message")
		}
		return ComposedMessage{Content: content, OfferAmount: new(big.Int)}, nil
	}

	amount, err := positiveAmount(offer)
	if err != nil {
		return ComposedMessage{}, invalid("Please enter a valid offer amount")
	}
	if content == "" {
		content = "New offer: " + units.FormatAmount(amount, symbol)
	}
	return ComposedMessage{Content: content, OfferAmount: amount}, nil
}
