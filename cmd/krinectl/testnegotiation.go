package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/urfave/cli/v2"

	"krine/internal/contracts"
	"krine/internal/negotiation"
	"krine/internal/session"
	"krine/internal/txlife"
	"krine/internal/units"
)

// The fixed negotiation test-negotiation tries to start.
var (
	testSeller = common.HexToAddress("0x0B4C5faEAF50AdE33B6F8d4b4D5fFA63D1149B11")
	testDomain = "akshat.ai"
	testOffer  = "0.1"
)

var testNegotiation = cli.Command{
	Name:   "test-negotiation",
	Usage:  "check the Negotiation contract and start a test negotiation",
	Action: testNegotiationAction,
}

type codeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// negotiationStarter is the part of negotiation.EthClient exercised by the smoke test.
type negotiationStarter interface {
	Address() common.Address
	NegotiationCount(ctx context.Context) (uint64, error)
	EstimateStart(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (uint64, error)
	StartNegotiation(ctx context.Context, sess *session.Session, seller common.Address, domain string, initialOffer *big.Int) (*types.Transaction, error)
}

type smokeTest struct {
	code     codeReader
	client   negotiationStarter
	receipts txlife.ReceiptFetcher
	session  *session.Session
	out      io.Writer
	symbol   string
	interval time.Duration
}

func testNegotiationAction(c *cli.Context) error {
	n, err := dial(c.Context)
	if err != nil {
		return err
	}
	defer n.close()
	sess, err := n.signer()
	if err != nil {
		return err
	}
	client, err := negotiation.NewEthClient(n.client, n.negotiationAddress())
	if err != nil {
		return err
	}
	p := smokeTest{
		code:     n.client,
		client:   client,
		receipts: n.client,
		session:  sess,
		out:      c.App.Writer,
		symbol:   n.symbol(),
		interval: n.pollInterval(),
	}
	return p.run(c.Context)
}

// run reports failures of the count read and the start attempt without
// failing the command.
func (p *smokeTest) run(ctx context.Context) error {
	fmt.Fprintln(p.out, "Testing Negotiation contract...")
	fmt.Fprintln(p.out, "Using account:", p.session.Account().Hex())

	addr := p.client.Address()
	fmt.Fprintln(p.out, "\nContract address:", addr.Hex())
	code, err := p.code.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("code at %s: %w", addr.Hex(), err)
	}
	fmt.Fprintln(p.out, "Contract code exists:", len(code) > 0)

	if count, err := p.client.NegotiationCount(ctx); err != nil {
		fmt.Fprintln(p.out, "Error reading negotiationCount:", err)
	} else {
		fmt.Fprintln(p.out, "Current negotiation count:", count)
	}

	if err := p.start(ctx); err != nil {
		fmt.Fprintln(p.out, "\nError starting negotiation:")
		fmt.Fprintln(p.out, "Message:", err)
		if reason, ok := contracts.RevertReason(err); ok && reason != "" {
			fmt.Fprintln(p.out, "Reason:", reason)
		}
	}
	return nil
}

func (p *smokeTest) start(ctx context.Context) error {
	fmt.Fprintln(p.out, "\nAttempting to start negotiation...")
	offer, err := units.ParseEther(testOffer)
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, "Seller:", testSeller.Hex())
	fmt.Fprintln(p.out, "Domain:", testDomain)
	fmt.Fprintln(p.out, "Initial offer:", units.FormatAmount(offer, p.symbol))
	fmt.Fprintln(p.out, "Deployer (buyer):", p.session.Account().Hex())

	gas, err := p.client.EstimateStart(ctx, p.session, testSeller, testDomain, offer)
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, "Gas estimate:", gas)

	tx, err := p.client.StartNegotiation(ctx, p.session, testSeller, testDomain, offer)
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, "Transaction sent:", tx.Hash().Hex())

	receipt, err := txlife.WaitForReceipt(ctx, p.receipts, tx.Hash(), p.interval)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return txlife.ErrReverted
	}
	fmt.Fprintln(p.out, "Transaction confirmed in block:", receipt.BlockNumber)
	fmt.Fprintln(p.out, "SUCCESS!")
	return nil
}
