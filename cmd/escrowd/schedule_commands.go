package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.temporal.io/sdk/client"

	"github.com/meridianlabs/escrowd/service/temporal"
)

func temporalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "temporal-host",
			Value:   "localhost:7233",
			Usage:   "Temporal frontend address",
			EnvVars: []string{"TEMPORAL_HOST"},
		},
		&cli.StringFlag{
			Name:    "temporal-namespace",
			Value:   "default",
			Usage:   "Temporal namespace",
			EnvVars: []string{"TEMPORAL_NAMESPACE"},
		},
	}
}

func dialTemporal(c *cli.Context) (client.Client, error) {
	logger := setupLogger(c.String("log-level"))
	return temporal.NewClient(c.String("temporal-host"), c.String("temporal-namespace"), logger)
}

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "administer the reconcile schedule",
		Subcommands: []*cli.Command{
			{
				Name:  "ensure",
				Usage: "create the reconcile schedule if it does not exist",
				Flags: append(temporalFlags(),
					&cli.DurationFlag{Name: "interval", Value: 5 * time.Minute, Usage: "run interval"},
					&cli.IntFlag{Name: "batch-size", Value: 200, Usage: "deals per reconcile run"},
				),
				Action: func(c *cli.Context) error {
					tc, err := dialTemporal(c)
					if err != nil {
						return err
					}
					defer tc.Close()
					logger := setupLogger(c.String("log-level"))
					if err := temporal.EnsureReconcileSchedule(c.Context, tc, logger, c.Duration("interval"), c.Int("batch-size")); err != nil {
						return err
					}
					fmt.Println("schedule ensured")
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "delete the reconcile schedule",
				Flags: temporalFlags(),
				Action: func(c *cli.Context) error {
					tc, err := dialTemporal(c)
					if err != nil {
						return err
					}
					defer tc.Close()
					if err := temporal.DeleteReconcileSchedule(c.Context, tc); err != nil {
						return err
					}
					fmt.Println("schedule deleted")
					return nil
				},
			},
			{
				Name:  "trigger",
				Usage: "run the reconcile workflow immediately",
				Flags: temporalFlags(),
				Action: func(c *cli.Context) error {
					tc, err := dialTemporal(c)
					if err != nil {
						return err
					}
					defer tc.Close()
					if err := temporal.TriggerReconcileNow(c.Context, tc); err != nil {
						return err
					}
					fmt.Println("reconcile triggered")
					return nil
				},
			},
		},
	}
}
