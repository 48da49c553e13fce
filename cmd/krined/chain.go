package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"krine/internal/config"
	"krine/internal/escrow"
	"krine/internal/idempotency"
	"krine/internal/negotiation"
	"krine/internal/projection"
	"krine/internal/server"
	"krine/internal/session"
	"krine/internal/simchain"
	"krine/internal/txlife"
)

// Contract addresses of the simulated chain when none are configured.
var (
	simNegotiationAddress = common.HexToAddress("0x229016d64ECb1543d52512B207420409E9D0127A")
	simEscrowAddress      = common.HexToAddress("0x00000000000000000000000000000000000E5C00")
)

// simFunding is credited to the session account of a simulated chain.
var simFunding = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))

// chainDeps is everything the daemon needs from the chain side.
type chainDeps struct {
	session      *session.Session
	negotiations negotiation.Client
	escrows      escrow.Client
	waiter       txlife.Waiter
	source       projection.Source
	balances     server.BalanceReader
	replayer     ethereum.ContractCaller
	ping         func(context.Context) error
	close        func()
}

func connect(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*chainDeps, error) {
	if !cfg.HasRPC() {
		logger.Warn("no RPC configured, running against an in-memory chain")
		return connectSimulated(cfg)
	}
	return connectLive(ctx, cfg)
}

func connectLive(ctx context.Context, cfg *config.AppConfig) (*chainDeps, error) {
	if cfg.Chain.NegotiationAddress == "" || cfg.Chain.EscrowAddress == "" {
		return nil, errors.New("contract addresses are not configured, run krinectl deploy or set them in .env")
	}
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	// the session reports the node's chain so a mismatch blocks writes
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	sess, err := buildSession(cfg, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	negs, err := negotiation.NewEthClient(client, cfg.Chain.NegotiationAddress)
	if err != nil {
		client.Close()
		return nil, err
	}
	escs, err := escrow.NewEthClient(client, cfg.Chain.EscrowAddress)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &chainDeps{
		session:      sess,
		negotiations: negs,
		escrows:      escs,
		waiter:       txlife.PollingWaiter{Client: client, Interval: cfg.Service.PollInterval},
		source:       client,
		balances:     client,
		replayer:     client,
		ping: func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		},
		close: client.Close,
	}, nil
}

func buildSession(cfg *config.AppConfig, chainID *big.Int) (*session.Session, error) {
	switch {
	case cfg.Chain.PrivateKey != "":
		return session.FromPrivateKey(cfg.Chain.PrivateKey, chainID)
	case cfg.Chain.Account != "":
		return session.ReadOnly(common.HexToAddress(cfg.Chain.Account), chainID), nil
	}
	return nil, fmt.Errorf("%s or %s is required", config.PrivateKeyKey, config.AccountKey)
}

// connectSimulated runs both contracts on an in-memory ledger. Without a
// configured key the session signs with a throwaway one.
func connectSimulated(cfg *config.AppConfig) (*chainDeps, error) {
	chainID := big.NewInt(cfg.Chain.ChainID)
	chain := simchain.New(chainID)

	var sess *session.Session
	if cfg.Chain.PrivateKey != "" || cfg.Chain.Account != "" {
		s, err := buildSession(cfg, chainID)
		if err != nil {
			return nil, err
		}
		sess = s
	} else {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		s, err := session.FromPrivateKey(common.Bytes2Hex(crypto.FromECDSA(key)), chainID)
		if err != nil {
			return nil, err
		}
		sess = s
	}
	chain.Fund(sess.Account(), simFunding)

	negAddr, escAddr := simNegotiationAddress, simEscrowAddress
	if cfg.Chain.NegotiationAddress != "" {
		negAddr = common.HexToAddress(cfg.Chain.NegotiationAddress)
	}
	if cfg.Chain.EscrowAddress != "" {
		escAddr = common.HexToAddress(cfg.Chain.EscrowAddress)
	}
	return &chainDeps{
		session:      sess,
		negotiations: negotiation.NewFakeClient(chain, negAddr),
		escrows:      escrow.NewFakeClient(chain, escAddr),
		waiter:       chain,
		source:       chain,
		balances:     chain,
		ping: func(ctx context.Context) error {
			_, err := chain.BlockNumber(ctx)
			return err
		},
		close: func() {},
	}, nil
}

func openStore(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Kind {
	case config.StoreFile:
		store, err := idempotency.NewFileStore(cfg.Store.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.StorePostgres:
		store, err := idempotency.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case config.StoreMemory, "":
		return idempotency.NewMemoryStore(), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown idempotency store %q", cfg.Store.Kind)
}
