package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()

	app.Name = "krinectl"
	app.Usage = "Operator commands for the Negotiation and Escrow contracts"
	app.Commands = append(
		app.Commands,
		&deploy,
		&checkNegotiations,
		&checkEscrows,
		&testNegotiation,
		&sendFunds,
	)

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[krinectl] %v\n", err)
	os.Exit(1)
}
