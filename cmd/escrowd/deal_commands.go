package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/escrowd/client"
	"github.com/meridianlabs/escrowd/service/escrow"
)

func endpointFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "endpoint",
		Value:   "http://localhost:8080",
		Usage:   "escrowd server base URL",
		EnvVars: []string{"ESCROWD_ENDPOINT"},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dealCommands() *cli.Command {
	return &cli.Command{
		Name:  "deal",
		Usage: "act on deals through the escrowd API",
		Subcommands: []*cli.Command{
			initiateCommand(),
			fundCommand(),
			buildActionCommand("release", "build the release transaction (buyer requests, seller signs)"),
			buildActionCommand("refund", "build the refund transaction (seller requests, buyer signs)"),
			buildActionCommand("open-dispute", "build a dispute transaction for either party"),
			resolveCommand(),
			confirmCommand(),
			getDealCommand(),
			listDealsCommand(),
			deleteDealCommand(),
		},
	}
}

func initiateCommand() *cli.Command {
	return &cli.Command{
		Name:  "initiate",
		Usage: "create a deal and print the unsigned escrow-creation transaction",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Usage: "explicit deal id (derived from the terms when omitted)"},
			&cli.StringFlag{Name: "seller", Required: true, Usage: "seller wallet address"},
			&cli.StringFlag{Name: "buyer", Required: true, Usage: "buyer wallet address"},
			&cli.StringFlag{Name: "arbiter", Usage: "arbiter wallet address (defaults to the seller)"},
			&cli.StringFlag{Name: "amount", Required: true, Usage: "price in display units, e.g. 125.00"},
			&cli.UintFlag{Name: "fee-bps", Usage: "fee in basis points (server default when omitted)"},
			&cli.TimestampFlag{Name: "deliver-by", Layout: time.RFC3339, Usage: "delivery deadline"},
			&cli.TimestampFlag{Name: "dispute-deadline", Layout: time.RFC3339, Usage: "dispute window end"},
			&cli.StringFlag{Name: "title", Usage: "human-readable deal title"},
			&cli.StringFlag{Name: "seller-name", Usage: "seller display name"},
			&cli.StringFlag{Name: "buyer-name", Usage: "buyer display name"},
			&cli.StringFlag{Name: "seller-email", Usage: "seller contact email"},
			&cli.StringFlag{Name: "buyer-email", Usage: "buyer contact email"},
		},
		Action: func(c *cli.Context) error {
			req := escrow.InitiateRequest{
				DealID:            c.String("deal-id"),
				SellerWallet:      c.String("seller"),
				BuyerWallet:       c.String("buyer"),
				ArbiterWallet:     c.String("arbiter"),
				Amount:            c.String("amount"),
				DeliverBy:         c.Timestamp("deliver-by"),
				DisputeDeadline:   c.Timestamp("dispute-deadline"),
				Title:             c.String("title"),
				SellerDisplayName: c.String("seller-name"),
				BuyerDisplayName:  c.String("buyer-name"),
				SellerEmail:       c.String("seller-email"),
				BuyerEmail:        c.String("buyer-email"),
			}
			if c.IsSet("fee-bps") {
				bps := uint16(c.Uint("fee-bps"))
				req.FeeBasisPoints = &bps
			}
			plan, err := client.NewClient(c.String("endpoint")).Initiate(c.Context, req)
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func fundCommand() *cli.Command {
	return &cli.Command{
		Name:  "fund",
		Usage: "build the buyer's vault funding transaction",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
			&cli.StringFlag{Name: "wallet", Required: true, Usage: "buyer wallet address"},
			&cli.StringFlag{Name: "amount", Usage: "expected deal amount (checked by the server when given)"},
		},
		Action: func(c *cli.Context) error {
			plan, err := client.NewClient(c.String("endpoint")).Fund(c.Context,
				c.String("deal-id"), c.String("wallet"), c.String("amount"))
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func buildActionCommand(name, usage string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
			&cli.StringFlag{Name: "wallet", Required: true, Usage: "requesting wallet address"},
		},
		Action: func(c *cli.Context) error {
			cl := client.NewClient(c.String("endpoint"))
			dealID, wallet := c.String("deal-id"), c.String("wallet")
			var (
				plan *escrow.TxPlan
				err  error
			)
			switch name {
			case "release":
				plan, err = cl.Release(c.Context, dealID, wallet)
			case "refund":
				plan, err = cl.Refund(c.Context, dealID, wallet)
			case "open-dispute":
				plan, err = cl.OpenDispute(c.Context, dealID, wallet)
			default:
				return fmt.Errorf("unknown action %q", name)
			}
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
}

func resolveCommand() *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "submit the arbiter verdict for a disputed deal",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
			&cli.StringFlag{Name: "arbiter", Usage: "arbiter wallet address (checked against the deal when given)"},
			&cli.StringFlag{Name: "verdict", Usage: "expected verdict, RELEASE or REFUND (taken from the ticket when omitted)"},
		},
		Action: func(c *cli.Context) error {
			res, err := client.NewClient(c.String("endpoint")).Resolve(c.Context, escrow.ResolveRequest{
				DealID:        c.String("deal-id"),
				ArbiterWallet: c.String("arbiter"),
				Verdict:       c.String("verdict"),
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func confirmCommand() *cli.Command {
	return &cli.Command{
		Name:  "confirm",
		Usage: "advance a deal after its signed transaction landed",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
			&cli.StringFlag{Name: "signature", Required: true, Usage: "submitted transaction signature"},
			&cli.StringFlag{Name: "wallet", Required: true, Usage: "actor wallet address"},
			&cli.StringFlag{Name: "action", Required: true, Usage: "action being confirmed (INITIATE, FUND, RELEASE, REFUND, OPEN_DISPUTE, RESOLVE)"},
			&cli.StringFlag{Name: "mode", Value: "onchain", Usage: "confirmation mode (onchain or simulated)"},
		},
		Action: func(c *cli.Context) error {
			deal, err := client.NewClient(c.String("endpoint")).Confirm(c.Context, escrow.ConfirmRequest{
				DealID:      c.String("deal-id"),
				TxSignature: c.String("signature"),
				ActorWallet: c.String("wallet"),
				Action:      c.String("action"),
				Mode:        escrow.ConfirmMode(c.String("mode")),
			})
			if err != nil {
				return err
			}
			return printJSON(deal)
		},
	}
}

func getDealCommand() *cli.Command {
	return &cli.Command{
		Name:  "get",
		Usage: "fetch a deal with its on-chain event log",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
		},
		Action: func(c *cli.Context) error {
			detail, err := client.NewClient(c.String("endpoint")).GetDeal(c.Context, c.String("deal-id"))
			if err != nil {
				return err
			}
			return printJSON(detail)
		},
	}
}

func listDealsCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list deals involving a wallet",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "wallet", Required: true, Usage: "wallet address"},
		},
		Action: func(c *cli.Context) error {
			deals, err := client.NewClient(c.String("endpoint")).ListDeals(c.Context, c.String("wallet"))
			if err != nil {
				return err
			}
			return printJSON(deals)
		},
	}
}

func deleteDealCommand() *cli.Command {
	return &cli.Command{
		Name:  "delete",
		Usage: "delete a deal that never left INIT",
		Flags: []cli.Flag{
			endpointFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
		},
		Action: func(c *cli.Context) error {
			if err := client.NewClient(c.String("endpoint")).DeleteDeal(c.Context, c.String("deal-id")); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	}
}
