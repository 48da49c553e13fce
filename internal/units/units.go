// Package units converts between human amounts and wei and formats addresses
// for display.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Decimals of the chain's native currency.
const Decimals = 18

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("too many decimal places")
)

// ParseEther converts a decimal string such as "0.1" into wei.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if d.Exponent() < -Decimals {
		// trailing zeros beyond 18 places are harmless
		if !d.Equal(d.Truncate(Decimals)) {
			return nil, fmt.Errorf("%w: %s", ErrTooManyDecimals, s)
		}
	}
	return d.Shift(Decimals).BigInt(), nil
}

// FormatEther renders wei as a decimal string without trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -Decimals).String()
}

// FormatAmount renders wei followed by symbol, e.g. "0.1 MATIC".
func FormatAmount(wei *big.Int, symbol string) string {
	if symbol == "" {
		return FormatEther(wei)
	}
	return FormatEther(wei) + " " + symbol
}

// ShortAddress renders an address as 0x1234...abcd.
func ShortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
