// Package session models the connected wallet: the account acting as
// msg.sender, the chain it is connected to and, when available, a signer.
// A Session is passed explicitly to every contract write.
package session

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrReadOnly     = errors.New("session is read-only")
	ErrWrongNetwork = errors.New("wrong network")
)

type Session struct {
	account common.Address
	chainID *big.Int
	signer  bind.SignerFn
}

// New builds a session from an already constructed signer.
func New(account common.Address, chainID *big.Int, signer bind.SignerFn) *Session {
	return &Session{account: account, chainID: copyInt(chainID), signer: signer}
}

// ReadOnly builds a session that can read as account but not sign.
func ReadOnly(account common.Address, chainID *big.Int) *Session {
	return &Session{account: account, chainID: copyInt(chainID)}
}

// FromPrivateKey builds a signing session for a hex encoded secp256k1 key.
func FromPrivateKey(hexKey string, chainID *big.Int) (*Session, error) {
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return New(opts.From, chainID, opts.Signer), nil
}

// ParsePrivateKey accepts keys with or without a 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *Session) Account() common.Address { return s.account }

func (s *Session) ChainID() *big.Int { return copyInt(s.chainID) }

func (s *Session) CanSign() bool { return s.signer != nil }

// TransactOpts returns fresh options bound to ctx. Gas fields are left for
// the node to estimate.
func (s *Session) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	if s.signer == nil {
		return nil, ErrReadOnly
	}
	return &bind.TransactOpts{
		From:    s.account,
		Signer:  s.signer,
		Context: ctx,
	}, nil
}

func (s *Session) CallOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{From: s.account, Context: ctx}
}

// CheckNetwork fails when the session's chain differs from expected.
func (s *Session) CheckNetwork(expected int64) error {
	if s.chainID == nil || !s.chainID.IsInt64() || s.chainID.Int64() != expected {
		return fmt.Errorf("%w: connected to chain %s, expected %d", ErrWrongNetwork, s.chainID, expected)
	}
	return nil
}

// LowBalance reports whether balance is under threshold. A nil balance is
// unknown, not low.
func LowBalance(balance, threshold *big.Int) bool {
	if balance == nil || threshold == nil {
		return false
	}
	return balance.Cmp(threshold) < 0
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
