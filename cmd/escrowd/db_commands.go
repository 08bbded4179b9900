package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/escrowd/service/db"
)

func databaseFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "database-url",
		Required: true,
		Usage:    "Postgres connection string",
		EnvVars:  []string{"DATABASE_URL"},
	}
}

func openStore(ctx context.Context, c *cli.Context) (*db.Store, func(), error) {
	pool, err := pgxpool.New(ctx, c.String("database-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger := setupLogger(c.String("log-level"))
	return db.NewStore(pool, logger, nil), pool.Close, nil
}

func dbCommands() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "inspect and maintain the deal database directly",
		Subcommands: []*cli.Command{
			applySchemaCommand(),
			pendingDealsCommand(),
			eventsCommand(),
			addTicketCommand(),
			ticketCommand(),
		},
	}
}

func applySchemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply-schema",
		Usage: "apply the SQL schema from a file",
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.StringFlag{
				Name:  "schema",
				Value: "service/db/schema.sql",
				Usage: "path to the schema file",
			},
		},
		Action: func(c *cli.Context) error {
			schema, err := os.ReadFile(c.String("schema"))
			if err != nil {
				return fmt.Errorf("failed to read schema: %w", err)
			}
			pool, err := pgxpool.New(c.Context, c.String("database-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()
			if _, err := pool.Exec(c.Context, string(schema)); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func pendingDealsCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "list deals in non-terminal statuses",
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.StringFlag{
				Name:  "statuses",
				Value: "INIT,FUNDED,DISPUTED,RESOLVED",
				Usage: "comma-separated statuses to include",
			},
			&cli.IntFlag{Name: "limit", Value: 100, Usage: "maximum deals to return"},
		},
		Action: func(c *cli.Context) error {
			store, closeFn, err := openStore(c.Context, c)
			if err != nil {
				return err
			}
			defer closeFn()
			statuses := strings.Split(c.String("statuses"), ",")
			for i := range statuses {
				statuses[i] = strings.TrimSpace(statuses[i])
			}
			deals, err := store.ListDealsByStatus(c.Context, statuses, c.Int("limit"))
			if err != nil {
				return err
			}
			return printJSON(deals)
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "list the recorded on-chain events for a deal",
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
		},
		Action: func(c *cli.Context) error {
			store, closeFn, err := openStore(c.Context, c)
			if err != nil {
				return err
			}
			defer closeFn()
			events, err := store.ListEvents(c.Context, c.String("deal-id"))
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}
}

func addTicketCommand() *cli.Command {
	return &cli.Command{
		Name:  "add-ticket",
		Usage: "record an arbitration verdict for a disputed deal",
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
			&cli.StringFlag{Name: "arbiter", Required: true, Usage: "arbiter wallet address"},
			&cli.StringFlag{Name: "final-action", Required: true, Usage: "verdict (RELEASE or REFUND)"},
			&cli.Float64Flag{Name: "confidence", Value: 1.0, Usage: "verdict confidence in [0, 1]"},
			&cli.StringFlag{Name: "rationale-ref", Usage: "reference to the verdict rationale"},
		},
		Action: func(c *cli.Context) error {
			action := strings.ToUpper(c.String("final-action"))
			if action != "RELEASE" && action != "REFUND" {
				return fmt.Errorf("final-action must be RELEASE or REFUND, got %q", c.String("final-action"))
			}
			store, closeFn, err := openStore(c.Context, c)
			if err != nil {
				return err
			}
			defer closeFn()
			ticket, err := store.InsertResolveTicket(c.Context, &db.ResolveTicket{
				DealID:        c.String("deal-id"),
				ArbiterWallet: c.String("arbiter"),
				FinalAction:   action,
				Confidence:    c.Float64("confidence"),
				RationaleRef:  c.String("rationale-ref"),
			})
			if err != nil {
				return err
			}
			return printJSON(ticket)
		},
	}
}

func ticketCommand() *cli.Command {
	return &cli.Command{
		Name:  "ticket",
		Usage: "show the latest arbitration verdict for a deal",
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.StringFlag{Name: "deal-id", Required: true, Usage: "deal id"},
		},
		Action: func(c *cli.Context) error {
			store, closeFn, err := openStore(c.Context, c)
			if err != nil {
				return err
			}
			defer closeFn()
			ticket, err := store.GetLatestResolveTicket(c.Context, c.String("deal-id"))
			if err != nil {
				return err
			}
			return printJSON(ticket)
		},
	}
}
