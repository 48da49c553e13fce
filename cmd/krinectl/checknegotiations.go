package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"krine/internal/negotiation"
	"krine/internal/units"
)

var checkNegotiations = cli.Command{
	Name:   "check-negotiations",
	Usage:  "print every negotiation and its messages",
	Action: checkNegotiationsAction,
}

func checkNegotiationsAction(c *cli.Context) error {
	n, err := dial(c.Context)
	if err != nil {
		return err
	}
	defer n.close()
	client, err := negotiation.NewEthClient(n.client, n.negotiationAddress())
	if err != nil {
		return err
	}
	return printNegotiations(c.Context, c.App.Writer, client, n.symbol())
}

// printNegotiations dumps the contract state. A negotiation that fails to
// load is reported and skipped.
func printNegotiations(ctx context.Context, w io.Writer, r negotiation.Reader, symbol string) error {
	fmt.Fprintln(w, "Checking Negotiation contract state...")
	fmt.Fprintln(w)

	count, err := r.NegotiationCount(ctx)
	if err != nil {
		return fmt.Errorf("negotiation count: %w", err)
	}
	fmt.Fprintln(w, "Total negotiations:", count)
	if count == 0 {
		fmt.Fprintln(w, "\nNo negotiations found in the contract.")
		fmt.Fprintln(w, "You need to create a negotiation first!")
		return nil
	}

	fmt.Fprintln(w, "\nNegotiations:")
	for id := uint64(0); id < count; id++ {
		fmt.Fprintf(w, "\n--- Negotiation ID: %d ---\n", id)
		n, err := r.GetNegotiation(ctx, id)
		if err != nil {
			fmt.Fprintln(w, "Error reading negotiation:", err)
			continue
		}
		fmt.Fprintln(w, "ID:", n.ID)
		fmt.Fprintln(w, "Buyer:", n.Buyer.Hex())
		fmt.Fprintln(w, "Seller:", n.Seller.Hex())
		fmt.Fprintln(w, "Domain:", n.Domain)
		fmt.Fprintln(w, "Initial Offer:", units.FormatAmount(n.InitialOffer, symbol))
		fmt.Fprintln(w, "Current Offer:", units.FormatAmount(n.CurrentOffer, symbol))
		fmt.Fprintln(w, "Status:", n.Status)
		fmt.Fprintln(w, "Created At:", localTime(n.CreatedAt))
		fmt.Fprintln(w, "Updated At:", localTime(n.UpdatedAt))

		msgs, err := r.GetMessages(ctx, id)
		if err != nil {
			fmt.Fprintln(w, "Error reading messages:", err)
			continue
		}
		fmt.Fprintln(w, "Messages:", len(msgs))
		for i, m := range msgs {
			fmt.Fprintf(w, "  Message %d: sender=%s content=%q offerAmount=%s timestamp=%s\n",
				i, m.Sender.Hex(), m.Content, units.FormatEther(m.OfferAmount), localTime(m.Timestamp))
		}
	}
	return nil
}
