package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"krine/internal/config"
	"krine/internal/session"
)

// defaultNegotiationAddress is read when no Negotiation address is configured.
const defaultNegotiationAddress = "0x229016d64ECb1543d52512B207420409E9D0127A"

// node is a dialled RPC endpoint plus the configured operator key.
type node struct {
	cfg     *config.AppConfig
	client  *ethclient.Client
	chainID *big.Int
	session *session.Session
}

func dial(ctx context.Context) (*node, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.HasRPC() {
		return nil, fmt.Errorf("%s is required", config.RPCURLKey)
	}
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	n := &node{cfg: cfg, client: client, chainID: chainID}
	if cfg.Chain.PrivateKey != "" {
		sess, err := session.FromPrivateKey(cfg.Chain.PrivateKey, chainID)
		if err != nil {
			client.Close()
			return nil, err
		}
		n.session = sess
	}
	return n, nil
}

func (n *node) close() { n.client.Close() }

func (n *node) signer() (*session.Session, error) {
	if n.session == nil {
		return nil, fmt.Errorf("%s is required for this command", config.PrivateKeyKey)
	}
	return n.session, nil
}

func (n *node) negotiationAddress() string {
	if n.cfg.Chain.NegotiationAddress != "" {
		return n.cfg.Chain.NegotiationAddress
	}
	return defaultNegotiationAddress
}

func (n *node) escrowAddress() (string, error) {
	if n.cfg.Chain.EscrowAddress == "" {
		return "", errors.New("escrow address is not configured, run krinectl deploy first")
	}
	return n.cfg.Chain.EscrowAddress, nil
}

func (n *node) symbol() string { return n.cfg.UI.CurrencySymbol }

func (n *node) pollInterval() time.Duration { return n.cfg.Service.PollInterval }

// localTime renders chain timestamps in the operator's zone.
func localTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
