package main

import (
	"context"
	"log"
	"os"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "eftpos-bridge",
		Usage:   "Payment terminal bridge for self-service kiosks",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the local payment API",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runServer(ctx)
				},
			},
			{
				Name:  "purchase",
				Usage: "Run a single transaction against the configured terminal",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "amount",
						Aliases:  []string{"a"},
						Usage:    "Amount in cents",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "type",
						Aliases: []string{"t"},
						Value:   "purchase",
						Usage:   "Transaction type (purchase or refund)",
					},
					&cli.StringFlag{
						Name:  "reference",
						Usage: "Merchant reference printed on the receipt",
					},
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Answer yes to every terminal question",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPurchase(ctx, purchaseOptions{
						amount:    cmd.Int64("amount"),
						txType:    cmd.String("type"),
						reference: cmd.String("reference"),
						yes:       cmd.Bool("yes"),
					})
				},
			},
			{
				Name:  "ledger",
				Usage: "Inspect and reconcile unresolved transactions",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "List unresolved transactions",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runLedgerList(ctx)
						},
					},
					{
						Name:  "reconcile",
						Usage: "Run one reconciliation cycle now",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runLedgerReconcile(ctx)
						},
					},
					{
						Name:      "resolve",
						Usage:     "Query the terminal for one transaction",
						ArgsUsage: "<transaction-id>",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return runLedgerResolve(ctx, cmd.Args().First())
						},
					},
				},
			},
			{
				Name:  "pair",
				Usage: "Pair this register with a Smartpay terminal",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "code",
						Aliases:  []string{"c"},
						Usage:    "Pairing code shown on the terminal",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return runPair(ctx, cmd.String("code"))
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
