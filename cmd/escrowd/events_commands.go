package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	natsgo "github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"

	"github.com/meridianlabs/escrowd/service/nats"
)

func eventsCommands() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "follow the deal lifecycle event stream",
		Subcommands: []*cli.Command{
			watchEventsCommand(),
		},
	}
}

// compileJQFilters parses and compiles a set of jq expressions.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// matchesJQFilters reports whether every compiled filter evaluates to a
// truthy first result against the value.
func matchesJQFilters(codes []*gojq.Code, v any) bool {
	for _, code := range codes {
		iter := code.Run(v)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// isTruthy follows jq semantics: false and null are falsy, everything
// else is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func watchEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "print deal events as they are published",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Value:   natsgo.DefaultURL,
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.StringFlag{
				Name:  "deal-id",
				Usage: "only events for this deal (all deals when omitted)",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter that must evaluate to true against the event (repeatable, all must match)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "stop after this long (runs until interrupted when omitted)",
			},
		},
		Action: func(c *cli.Context) error {
			codes, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			subject := nats.SubjectPattern
			if dealID := c.String("deal-id"); dealID != "" {
				subject = nats.SubjectPrefix + "." + dealID
			}

			nc, err := natsgo.Connect(c.String("nats-url"),
				natsgo.Name("escrowd-events-watch"),
				natsgo.Timeout(10*time.Second),
			)
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			msgs := make(chan *natsgo.Msg, 64)
			sub, err := nc.ChanSubscribe(subject, msgs)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			fmt.Fprintf(os.Stderr, "watching %s\n", subject)
			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-msgs:
					var raw any
					if err := json.Unmarshal(msg.Data, &raw); err != nil {
						continue
					}
					if !matchesJQFilters(codes, raw) {
						continue
					}
					if err := enc.Encode(raw); err != nil {
						return err
					}
				}
			}
		},
	}
}
