package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"krine/internal/escrow"
	"krine/internal/units"
)

var checkEscrows = cli.Command{
	Name:   "check-escrows",
	Usage:  "print the state of every escrow",
	Action: checkEscrowsAction,
}

func checkEscrowsAction(c *cli.Context) error {
	n, err := dial(c.Context)
	if err != nil {
		return err
	}
	defer n.close()
	addr, err := n.escrowAddress()
	if err != nil {
		return err
	}
	client, err := escrow.NewEthClient(n.client, addr)
	if err != nil {
		return err
	}
	return printEscrows(c.Context, c.App.Writer, client, n.symbol())
}

func printEscrows(ctx context.Context, w io.Writer, r escrow.Reader, symbol string) error {
	fmt.Fprintln(w, "Checking Escrow contract state...")
	fmt.Fprintln(w)

	count, err := r.EscrowCount(ctx)
	if err != nil {
		return fmt.Errorf("escrow count: %w", err)
	}
	fmt.Fprintln(w, "Total escrows:", count)
	for id := uint64(0); id < count; id++ {
		fmt.Fprintf(w, "\n--- Escrow ID: %d ---\n", id)
		e, err := r.GetEscrow(ctx, id)
		if err != nil {
			fmt.Fprintln(w, "Error reading escrow:", err)
			continue
		}
		fmt.Fprintln(w, "Buyer:", e.Buyer.Hex())
		fmt.Fprintln(w, "Seller:", e.Seller.Hex())
		fmt.Fprintln(w, "Domain:", e.Domain)
		fmt.Fprintln(w, "Amount:", units.FormatAmount(e.Amount, symbol))
		fmt.Fprintln(w, "State:", e.State())
	}
	return nil
}
