// Command server runs the escrowd HTTP API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/escrowd/service/config"
	"github.com/meridianlabs/escrowd/service/escrow"
	"github.com/meridianlabs/escrowd/service/metrics"
	natspkg "github.com/meridianlabs/escrowd/service/nats"
	"github.com/meridianlabs/escrowd/service/pda"
	"github.com/meridianlabs/escrowd/service/server"
	solanapkg "github.com/meridianlabs/escrowd/service/solana"

	"github.com/meridianlabs/escrowd/service/db"
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
	asm := solanapkg.NewAssembler(rpcPool, logger)
	builder := escrow.NewBuilder(pda.NewDeriver(cfg.ProgramID, cfg.PDAScheme))

	var publisher escrow.EventPublisher
	if cfg.NATSURL != "" {
		p, err := natspkg.NewPublisher(ctx, cfg.NATSURL, logger, m)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer p.Close()
		publisher = p
	} else {
		logger.Warn("NATS_URL not set, deal events will not be published")
	}

	orch := escrow.NewOrchestrator(store, rpcPool, asm, builder, publisher, logger, m, escrow.Options{
		DepositMint:           cfg.DepositMint,
		DefaultFeeBps:         cfg.DefaultFeeBps,
		DeliverByWindow:       cfg.DeliverByWindow,
		DisputeWindow:         cfg.DisputeWindow,
		ArbiterKey:            cfg.ArbiterKey,
		AllowSimulatedConfirm: cfg.AllowSimulatedConfirm,
	})

	srv := server.NewServer(cfg.ServerAddr, logger, orch, m)
	go func() {
		logger.Info("server listening", "addr", cfg.ServerAddr, "pda_scheme", cfg.PDAScheme.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
