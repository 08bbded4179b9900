package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/escrow"
	"github.com/meridianlabs/escrowd/service/metrics"
	solanapkg "github.com/meridianlabs/escrowd/service/solana"
)

// Reconciliation outcomes per deal.
const (
	// OutcomeConsistent means the store and the chain agree.
	OutcomeConsistent = "consistent"
	// OutcomeAwaitingConfirm means the chain is ahead of the store but the
	// missing transition needs a signer's confirm call, not a repair.
	OutcomeAwaitingConfirm = "awaiting_confirm"
	// OutcomeRepaired means the store was advanced through the atomic
	// transition path to match the chain.
	OutcomeRepaired = "repaired"
	// OutcomeManual means the chain contradicts the store in a way that
	// cannot be repaired automatically.
	OutcomeManual = "needs_manual_review"
)

// ReconcileStore is the store surface the activities consume.
type ReconcileStore interface {
	GetDeal(ctx context.Context, id string) (*db.Deal, error)
	ListDealsByStatus(ctx context.Context, statuses []string, limit int) ([]*db.Deal, error)
	TransitionDeal(ctx context.Context, dealID string, fromStatuses []string, toStatus string, event *db.OnchainEvent) (*db.Deal, error)
	GetLatestResolveTicket(ctx context.Context, dealID string) (*db.ResolveTicket, error)
}

// Activities holds the reconciliation activity implementations.
type Activities struct {
	store   ReconcileStore
	net     solanapkg.NetworkClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewActivities wires the activities. m may be nil.
func NewActivities(store ReconcileStore, net solanapkg.NetworkClient, logger *slog.Logger, m *metrics.Metrics) *Activities {
	return &Activities{store: store, net: net, logger: logger, metrics: m}
}

// pendingStatuses are the non-terminal statuses a reconciliation run scans.
var pendingStatuses = []string{
	string(escrow.StatusInit),
	string(escrow.StatusFunded),
	string(escrow.StatusDisputed),
	string(escrow.StatusResolved),
}

// ListPendingDeals returns the ids of deals with a possibly pending on-chain
// leg, oldest first.
func (a *Activities) ListPendingDeals(ctx context.Context, limit int) ([]string, error) {
	deals, err := a.store.ListDealsByStatus(ctx, pendingStatuses, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(deals))
	for i, d := range deals {
		ids[i] = d.ID
	}
	return ids, nil
}

// ReconcileDeal compares one deal's stored status with its on-chain escrow
// account and repairs unambiguous drift.
func (a *Activities) ReconcileDeal(ctx context.Context, dealID string) (string, error) {
	deal, err := a.store.GetDeal(ctx, dealID)
	if err != nil {
		return "", err
	}
	escrowAddr, err := solana.PublicKeyFromBase58(deal.OnchainAddress)
	if err != nil {
		return "", fmt.Errorf("deal %s has malformed onchain address %q: %w", dealID, deal.OnchainAddress, err)
	}
	info, err := a.net.GetAccountInfo(ctx, escrowAddr)
	if err != nil {
		return "", fmt.Errorf("failed to fetch escrow account %s: %w", escrowAddr, err)
	}

	outcome, err := a.classify(ctx, deal, info)
	if err != nil {
		return "", err
	}
	if a.metrics != nil {
		a.metrics.RecordReconcileDeal(outcome)
	}
	return outcome, nil
}

func (a *Activities) classify(ctx context.Context, deal *db.Deal, info *solanapkg.AccountInfo) (string, error) {
	exists := info != nil
	switch escrow.Status(deal.Status) {
	case escrow.StatusInit:
		if exists {
			// The initiate transaction landed but nobody confirmed it. The
			// record stays INIT; surfacing it is enough.
			a.logger.Warn("escrow account live on-chain for INIT deal",
				"deal_id", deal.ID, "escrow", deal.OnchainAddress)
			return OutcomeAwaitingConfirm, nil
		}
		return OutcomeConsistent, nil

	case escrow.StatusFunded, escrow.StatusDisputed:
		if !exists {
			// The escrow account closed while the store thinks funds are
			// held. A payout happened outside the confirm path; without a
			// verdict it is ambiguous which one.
			a.logger.Error("escrow account missing for active deal",
				"deal_id", deal.ID, "status", deal.Status, "escrow", deal.OnchainAddress)
			return OutcomeManual, nil
		}
		return OutcomeConsistent, nil

	case escrow.StatusResolved:
		if exists {
			return OutcomeConsistent, nil
		}
		// The payout landed but the winning party never confirmed. The
		// verdict names the terminal status, so the store can be advanced
		// through the same atomic transition path.
		return a.repairResolvedPayout(ctx, deal)

	default:
		return OutcomeConsistent, nil
	}
}

func (a *Activities) repairResolvedPayout(ctx context.Context, deal *db.Deal) (string, error) {
	ticket, err := a.store.GetLatestResolveTicket(ctx, deal.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			a.logger.Error("RESOLVED deal paid out with no ticket on record", "deal_id", deal.ID)
			return OutcomeManual, nil
		}
		return "", err
	}
	target := escrow.StatusReleased
	instruction := "release"
	if ticket.FinalAction == "REFUND" {
		target = escrow.StatusRefunded
		instruction = "refund"
	}
	_, err = a.store.TransitionDeal(ctx, deal.ID,
		[]string{string(escrow.StatusResolved)}, string(target), &db.OnchainEvent{
			Signature:   "reconciled:" + deal.ID,
			Instruction: instruction,
		})
	if err != nil {
		if errors.Is(err, db.ErrInvalidTransition) {
			// A concurrent confirm won the race; the store already moved.
			return OutcomeConsistent, nil
		}
		return "", err
	}
	a.logger.Info("repaired deal from on-chain state",
		"deal_id", deal.ID, "status", string(target), "final_action", ticket.FinalAction)
	return OutcomeRepaired, nil
}

// VerifyEventSignatures re-checks the recorded signatures of a deal's last
// transition. Used by the operator CLI for spot checks.
func (a *Activities) VerifyEventSignatures(ctx context.Context, events []*db.OnchainEvent) (int, error) {
	verified := 0
	for _, e := range events {
		if strings.HasPrefix(e.Signature, "reconciled:") {
			continue
		}
		sig, err := solana.SignatureFromBase58(e.Signature)
		if err != nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		st, err := a.net.GetSignatureStatus(checkCtx, sig)
		cancel()
		if err != nil {
			return verified, err
		}
		if st.Found && st.Err == nil {
			verified++
		}
	}
	return verified, nil
}
