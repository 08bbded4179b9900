// Command worker runs the Temporal reconciliation worker and keeps the
// reconcile schedule in place.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/escrowd/service/config"
	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/metrics"
	solanapkg "github.com/meridianlabs/escrowd/service/solana"
	"github.com/meridianlabs/escrowd/service/temporal"
)

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	cfg := config.MustLoad()
	logger := setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics(nil)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := db.NewStore(pool, logger, m)

	rpcPool, err := solanapkg.NewPool(cfg.RPCEndpoints, logger, m)
	if err != nil {
		logger.Error("failed to build RPC pool", "error", err)
		os.Exit(1)
	}

	tc, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, logger)
	if err != nil {
		logger.Error("failed to connect to Temporal", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	if err := temporal.EnsureReconcileSchedule(ctx, tc, logger, cfg.ReconcileInterval, 200); err != nil {
		logger.Error("failed to ensure reconcile schedule", "error", err)
		os.Exit(1)
	}

	activities := temporal.NewActivities(store, rpcPool, logger, m)
	if err := temporal.RunWorker(ctx, tc, activities, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}
