package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/escrow"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps domain errors onto the HTTP surface: missing records are
// 404, validation and precondition failures are 400, everything else is an
// opaque 500.
func writeFailure(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case escrow.IsUserError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case escrow.IsIntegrityError(err):
		logger.Error("integrity error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal integrity error")
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody tolerates unknown fields so older or newer clients are not
// locked out by extra body members.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func handleInitiate(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req escrow.InitiateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		plan, err := orch.Initiate(r.Context(), req)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})
}

// actionRequest is the shared body shape of fund, release, refund and
// open-dispute. The canonical wallet field differs per action: fund and
// release carry buyerWallet, refund carries sellerWallet, open-dispute
// carries callerWallet. callerWallet is accepted everywhere as an alias.
type actionRequest struct {
	DealID       string `json:"dealId"`
	BuyerWallet  string `json:"buyerWallet"`
	SellerWallet string `json:"sellerWallet"`
	CallerWallet string `json:"callerWallet"`
	Amount       string `json:"amount"`
}

type walletField int

const (
	walletFieldBuyer walletField = iota
	walletFieldSeller
	walletFieldEither
)

func (a actionRequest) wallet(f walletField) string {
	switch f {
	case walletFieldBuyer:
		if a.BuyerWallet != "" {
			return a.BuyerWallet
		}
	case walletFieldSeller:
		if a.SellerWallet != "" {
			return a.SellerWallet
		}
	case walletFieldEither:
		if a.CallerWallet != "" {
			return a.CallerWallet
		}
		if a.BuyerWallet != "" {
			return a.BuyerWallet
		}
		return a.SellerWallet
	}
	return a.CallerWallet
}

func handleBuildAction(logger *slog.Logger, field walletField, build func(ctx context.Context, dealID, wallet string) (*escrow.TxPlan, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DealID == "" {
			writeError(w, http.StatusBadRequest, "dealId is required")
			return
		}
		plan, err := build(r.Context(), req.DealID, req.wallet(field))
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})
}

func handleFund(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DealID == "" {
			writeError(w, http.StatusBadRequest, "dealId is required")
			return
		}
		plan, err := orch.Fund(r.Context(), req.DealID, req.wallet(walletFieldBuyer), req.Amount)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	})
}

func handleResolve(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req escrow.ResolveRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DealID == "" {
			writeError(w, http.StatusBadRequest, "dealId is required")
			return
		}
		res, err := orch.Resolve(r.Context(), req)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}

// confirmDealView is the deal shape returned by confirm.
type confirmDealView struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	BuyerWallet  string     `json:"buyerWallet"`
	SellerWallet string     `json:"sellerWallet"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FundedAt     *time.Time `json:"fundedAt,omitempty"`
}

func handleConfirm(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req escrow.ConfirmRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DealID == "" || req.TxSignature == "" {
			writeError(w, http.StatusBadRequest, "dealId and txSig are required")
			return
		}
		deal, err := orch.Confirm(r.Context(), req)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]confirmDealView{"deal": {
			ID:           deal.ID,
			Status:       deal.Status,
			BuyerWallet:  deal.BuyerWallet,
			SellerWallet: deal.SellerWallet,
			UpdatedAt:    deal.UpdatedAt,
			FundedAt:     deal.FundedAt,
		}})
	})
}

func handleGetDeal(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		detail, err := orch.GetDeal(r.Context(), r.PathValue("dealId"))
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})
}

func handleListDeals(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallet := r.URL.Query().Get("wallet")
		if wallet == "" {
			writeError(w, http.StatusBadRequest, "wallet query parameter is required")
			return
		}
		deals, err := orch.ListDeals(r.Context(), wallet)
		if err != nil {
			writeFailure(w, logger, err)
			return
		}
		if deals == nil {
			deals = []*db.Deal{}
		}
		writeJSON(w, http.StatusOK, map[string][]*db.Deal{"deals": deals})
	})
}

func handleDeleteDeal(logger *slog.Logger, orch Orchestrator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := orch.DeleteDeal(r.Context(), r.PathValue("dealId")); err != nil {
			writeFailure(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})
}
