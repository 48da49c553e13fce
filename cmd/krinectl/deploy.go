package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/urfave/cli/v2"

	"krine/internal/config"
	"krine/internal/contracts"
	"krine/internal/session"
	"krine/internal/txlife"
	"krine/internal/units"
)

var deploy = cli.Command{
	Name:   "deploy",
	Usage:  "deploy the Escrow and Negotiation contracts and record their addresses",
	Action: deployAction,
}

// deployBackend is the node access a deployment needs.
type deployBackend interface {
	bind.ContractBackend
	txlife.ReceiptFetcher
	txlife.HeadReader
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type deployer struct {
	backend       deployBackend
	session       *session.Session
	out           io.Writer
	symbol        string
	confirmations uint64
	interval      time.Duration
}

func deployAction(c *cli.Context) error {
	n, err := dial(c.Context)
	if err != nil {
		return err
	}
	defer n.close()
	sess, err := n.signer()
	if err != nil {
		return err
	}

	dir := n.cfg.Chain.ArtifactsDir
	escrowArt, err := contracts.LoadArtifact(filepath.Join(dir, "Escrow.sol", "Escrow.json"))
	if err != nil {
		return err
	}
	negotiationArt, err := contracts.LoadArtifact(filepath.Join(dir, "Negotiation.sol", "Negotiation.json"))
	if err != nil {
		return err
	}

	d := deployer{
		backend:       n.client,
		session:       sess,
		out:           c.App.Writer,
		symbol:        n.symbol(),
		confirmations: n.cfg.Chain.DeployConfirmations,
		interval:      n.pollInterval(),
	}
	result, err := d.run(c.Context, escrowArt, negotiationArt)
	if err != nil {
		return err
	}
	result.ChainID = n.chainID.Int64()
	if err := config.WriteDeployments(n.cfg.Chain.DeploymentsPath, result); err != nil {
		return fmt.Errorf("write deployments: %w", err)
	}
	fmt.Fprintln(d.out, "Deployment recorded in", n.cfg.Chain.DeploymentsPath)
	return nil
}

// run deploys Escrow then Negotiation and waits for both to be buried under
// the configured number of confirmations.
func (d *deployer) run(ctx context.Context, escrowArt, negotiationArt *contracts.Artifact) (config.DeploymentConfig, error) {
	var result config.DeploymentConfig
	from := d.session.Account()

	fmt.Fprintln(d.out, "Starting deployment...")
	fmt.Fprintln(d.out, "Deploying contracts with account:", from.Hex())
	balance, err := d.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return result, fmt.Errorf("balance: %w", err)
	}
	fmt.Fprintln(d.out, "Account balance:", units.FormatAmount(balance, d.symbol))

	fmt.Fprintln(d.out, "\nDeploying Escrow contract...")
	escrowAddr, escrowReceipt, err := d.deployOne(ctx, escrowArt)
	if err != nil {
		return result, fmt.Errorf("deploy Escrow: %w", err)
	}
	fmt.Fprintln(d.out, "Escrow deployed to:", escrowAddr.Hex())

	fmt.Fprintln(d.out, "\nDeploying Negotiation contract...")
	negotiationAddr, negotiationReceipt, err := d.deployOne(ctx, negotiationArt)
	if err != nil {
		return result, fmt.Errorf("deploy Negotiation: %w", err)
	}
	fmt.Fprintln(d.out, "Negotiation deployed to:", negotiationAddr.Hex())

	fmt.Fprintln(d.out, "\n=== Deployment Summary ===")
	fmt.Fprintln(d.out, "Escrow Contract:", escrowAddr.Hex())
	fmt.Fprintln(d.out, "Negotiation Contract:", negotiationAddr.Hex())
	fmt.Fprintln(d.out, "\nAdd these addresses to your .env file:")
	fmt.Fprintf(d.out, "%s=%s\n", config.EscrowAddressKey, escrowAddr.Hex())
	fmt.Fprintf(d.out, "%s=%s\n", config.NegotiationAddressKey, negotiationAddr.Hex())

	fmt.Fprintln(d.out, "\nWaiting for block confirmations...")
	for _, receipt := range []*types.Receipt{escrowReceipt, negotiationReceipt} {
		if err := txlife.WaitConfirmations(ctx, d.backend, receipt, d.confirmations, d.interval); err != nil {
			return result, fmt.Errorf("confirmations: %w", err)
		}
	}
	fmt.Fprintln(d.out, "\nDeployment complete!")

	result.Deployer = from.Hex()
	result.Contracts.Escrow = escrowAddr.Hex()
	result.Contracts.Negotiation = negotiationAddr.Hex()
	return result, nil
}

func (d *deployer) deployOne(ctx context.Context, art *contracts.Artifact) (common.Address, *types.Receipt, error) {
	parsed, err := art.Parsed()
	if err != nil {
		return common.Address{}, nil, err
	}
	code, err := art.Code()
	if err != nil {
		return common.Address{}, nil, err
	}
	opts, err := d.session.TransactOpts(ctx)
	if err != nil {
		return common.Address{}, nil, err
	}
	addr, tx, _, err := bind.DeployContract(opts, parsed, code, d.backend)
	if err != nil {
		return common.Address{}, nil, err
	}
	receipt, err := txlife.WaitForReceipt(ctx, d.backend, tx.Hash(), d.interval)
	if err != nil {
		return common.Address{}, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, nil, fmt.Errorf("deployment %s reverted", tx.Hash().Hex())
	}
	return addr, receipt, nil
}
