// Package server exposes the escrow lifecycle over HTTP: the /actions/*
// surface, its deprecated /api/escrow/* aliases, and the health and metrics
// endpoints.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/escrow"
	"github.com/meridianlabs/escrowd/service/metrics"
)

// Orchestrator is the lifecycle surface the handlers consume.
type Orchestrator interface {
	Initiate(ctx context.Context, req escrow.InitiateRequest) (*escrow.TxPlan, error)
	Fund(ctx context.Context, dealID, buyerWallet, amount string) (*escrow.TxPlan, error)
	Release(ctx context.Context, dealID, buyerWallet string) (*escrow.TxPlan, error)
	Refund(ctx context.Context, dealID, sellerWallet string) (*escrow.TxPlan, error)
	OpenDispute(ctx context.Context, dealID, callerWallet string) (*escrow.TxPlan, error)
	Resolve(ctx context.Context, req escrow.ResolveRequest) (*escrow.ResolveResult, error)
	Confirm(ctx context.Context, req escrow.ConfirmRequest) (*db.Deal, error)
	GetDeal(ctx context.Context, dealID string) (*escrow.DealDetail, error)
	ListDeals(ctx context.Context, wallet string) ([]*db.Deal, error)
	DeleteDeal(ctx context.Context, dealID string) error
}

// NewServer builds the HTTP server. m may be nil.
func NewServer(addr string, logger *slog.Logger, orch Orchestrator, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()

	register := func(method, path string, h http.Handler, handlerName string) {
		if m != nil {
			h = metrics.HTTPMetricsMiddleware(m, handlerName)(h)
		}
		mux.Handle(method+" "+path, h)
	}

	// Action routes, each also mounted on the deprecated /api/escrow prefix.
	actions := []struct {
		name    string
		handler http.Handler
	}{
		{"initiate", handleInitiate(logger, orch)},
		{"fund", handleFund(logger, orch)},
		{"release", handleBuildAction(logger, walletFieldBuyer, orch.Release)},
		{"refund", handleBuildAction(logger, walletFieldSeller, orch.Refund)},
		{"open-dispute", handleBuildAction(logger, walletFieldEither, orch.OpenDispute)},
		{"resolve", handleResolve(logger, orch)},
		{"confirm", handleConfirm(logger, orch)},
	}
	for _, a := range actions {
		register("POST", "/actions/"+a.name, a.handler, a.name)
		register("POST", "/api/escrow/"+a.name, a.handler, a.name)
	}

	register("GET", "/actions/deals/{dealId}", handleGetDeal(logger, orch), "get_deal")
	register("GET", "/actions/deals", handleListDeals(logger, orch), "list_deals")
	register("DELETE", "/actions/deals/{dealId}", handleDeleteDeal(logger, orch), "delete_deal")

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// corsMiddleware allows browser wallets on other origins to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
