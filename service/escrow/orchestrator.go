package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/amount"
	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/dealid"
	"github.com/meridianlabs/escrowd/service/metrics"
	natspkg "github.com/meridianlabs/escrowd/service/nats"
	solanapkg "github.com/meridianlabs/escrowd/service/solana"
)

var walletRx = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Store is the subset of the deal store the orchestrator consumes.
type Store interface {
	CreateDeal(ctx context.Context, d *db.Deal) (*db.Deal, error)
	GetDeal(ctx context.Context, id string) (*db.Deal, error)
	GetDealByOnchainParties(ctx context.Context, onchainAddress, seller, buyer string) (*db.Deal, error)
	ListDealsByWallet(ctx context.Context, wallet string) ([]*db.Deal, error)
	DeleteDeal(ctx context.Context, id string) error
	TransitionDeal(ctx context.Context, dealID string, fromStatuses []string, toStatus string, event *db.OnchainEvent) (*db.Deal, error)
	ListEvents(ctx context.Context, dealID string) ([]*db.OnchainEvent, error)
	GetLatestResolveTicket(ctx context.Context, dealID string) (*db.ResolveTicket, error)
	UpsertWalletIdentity(ctx context.Context, address, displayName, email string) (*db.WalletIdentity, error)
}

// EventPublisher publishes confirmed transitions. Best-effort; a publish
// failure never rolls a transition back.
type EventPublisher interface {
	PublishDealEvent(ctx context.Context, event natspkg.DealEvent) error
}

// Options are the deployment-wide settings the orchestrator needs.
type Options struct {
	DepositMint           solana.PublicKey
	DefaultFeeBps         uint16
	DeliverByWindow       time.Duration
	DisputeWindow         time.Duration
	ArbiterKey            solana.PrivateKey
	AllowSimulatedConfirm bool
}

// Orchestrator drives the two-phase deal lifecycle: build calls return
// unsigned transactions and mutate nothing past the INIT record, confirm
// verifies the on-chain outcome and advances status atomically.
type Orchestrator struct {
	store     Store
	net       solanapkg.NetworkClient
	asm       *solanapkg.Assembler
	builder   *Builder
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

// NewOrchestrator wires the orchestrator. publisher and m may be nil.
func NewOrchestrator(store Store, net solanapkg.NetworkClient, asm *solanapkg.Assembler, builder *Builder, publisher EventPublisher, logger *slog.Logger, m *metrics.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{
		store:     store,
		net:       net,
		asm:       asm,
		builder:   builder,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// TxPlan is an unsigned transaction handed back for client signing, plus
// what the client should do next.
type TxPlan struct {
	DealID               string `json:"dealId"`
	TxMessageBase64      string `json:"txMessageBase64"`
	NextClientAction     string `json:"nextClientAction"`
	LatestBlockhash      string `json:"latestBlockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	FeePayer             string `json:"feePayer"`
}

// nextClientAction names the next call the client should make: after
// initiate the deal still needs funding, after any other build the signed
// transaction needs confirming.
func nextClientAction(action Action) string {
	if action == ActionInitiate {
		return "fund"
	}
	return "confirm"
}

func planFromEnvelope(dealID string, action Action, env *solanapkg.TxEnvelope) *TxPlan {
	return &TxPlan{
		DealID:               dealID,
		TxMessageBase64:      env.MessageBase64,
		NextClientAction:     nextClientAction(action),
		LatestBlockhash:      env.Blockhash,
		LastValidBlockHeight: env.LastValidBlockHeight,
		FeePayer:             env.FeePayer,
	}
}

func validateWallet(field, value string) (solana.PublicKey, error) {
	if !walletRx.MatchString(value) {
		return solana.PublicKey{}, fmt.Errorf("%w: %s must be a base58 public key (32-44 chars)", ErrValidation, field)
	}
	pk, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %s is not a valid public key", ErrValidation, field)
	}
	return pk, nil
}

func (o *Orchestrator) recordTransition(op, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordTransition(op, outcome)
	}
}

func (o *Orchestrator) recordBuild(instruction string, err error) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
		if IsIntegrityError(err) {
			o.metrics.RecordIntegrityError(instruction)
		}
	}
	o.metrics.RecordInstructionBuild(instruction, status)
}

// InitiateRequest creates or re-issues a deal.
type InitiateRequest struct {
	DealID            string     `json:"clientDealId,omitempty"`
	SellerWallet      string     `json:"sellerWallet"`
	BuyerWallet       string     `json:"buyerWallet"`
	ArbiterWallet     string     `json:"arbiterWallet,omitempty"`
	Amount            string     `json:"amount"`
	FeeBasisPoints    *uint16    `json:"feeBps,omitempty"`
	DeliverBy         *time.Time `json:"deliverBy,omitempty"`
	DisputeDeadline   *time.Time `json:"disputeDeadline,omitempty"`
	Title             string     `json:"title,omitempty"`
	BuyerEmail        string     `json:"buyerEmail,omitempty"`
	SellerEmail       string     `json:"sellerEmail,omitempty"`
	SellerDisplayName string     `json:"sellerDisplayName,omitempty"`
	BuyerDisplayName  string     `json:"buyerDisplayName,omitempty"`
}

// Initiate creates the INIT record (once) and returns the unsigned
// escrow-creation transaction. Re-issuing for an existing INIT deal returns
// a fresh envelope for the same deal id without duplicating the record.
func (o *Orchestrator) Initiate(ctx context.Context, req InitiateRequest) (*TxPlan, error) {
	seller, err := validateWallet("sellerWallet", req.SellerWallet)
	if err != nil {
		return nil, err
	}
	buyer, err := validateWallet("buyerWallet", req.BuyerWallet)
	if err != nil {
		return nil, err
	}
	arbiterWallet := req.ArbiterWallet
	if arbiterWallet == "" {
		arbiterWallet = req.SellerWallet
	}
	if _, err := validateWallet("arbiterWallet", arbiterWallet); err != nil {
		return nil, err
	}
	units, err := amount.ParseToUnits(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrValidation, err)
	}
	display, err := amount.ToUSDString(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", ErrValidation, err)
	}
	feeBps := o.opts.DefaultFeeBps
	if req.FeeBasisPoints != nil {
		feeBps = *req.FeeBasisPoints
	}
	if feeBps > 10000 {
		return nil, fmt.Errorf("%w: feeBps must be between 0 and 10000", ErrValidation)
	}

	deliverBy := o.now().Add(o.opts.DeliverByWindow)
	if req.DeliverBy != nil {
		deliverBy = *req.DeliverBy
	}
	disputeDeadline := deliverBy.Add(o.opts.DisputeWindow)
	if req.DisputeDeadline != nil {
		disputeDeadline = *req.DisputeDeadline
	}

	id, err := dealid.Ensure(req.DealID, &dealid.Seed{
		Seller:    req.SellerWallet,
		Buyer:     req.BuyerWallet,
		Amount:    display,
		DeliverAt: deliverBy.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dealId: %v", ErrValidation, err)
	}

	deal, err := o.store.GetDeal(ctx, id)
	switch {
	case err == nil:
		return o.reissueInitiate(ctx, deal)
	case errors.Is(err, db.ErrNotFound):
		// fall through to creation
	default:
		return nil, err
	}

	derived, err := o.builder.Derive(id, seller, buyer, o.opts.DepositMint)
	if err != nil {
		return nil, err
	}

	// An escrow account that already exists on-chain means either an earlier
	// initiation this store lost, or seed-material drift. Reuse only a record
	// matching on address plus both parties; anything else is refused.
	info, err := o.net.GetAccountInfo(ctx, derived.Escrow)
	if err != nil {
		return nil, fmt.Errorf("failed to check escrow account %s: %w", derived.Escrow, err)
	}
	if info != nil {
		existing, lookupErr := o.store.GetDealByOnchainParties(ctx, derived.Escrow.String(), req.SellerWallet, req.BuyerWallet)
		if lookupErr == nil {
			o.logger.Warn("escrow account already on-chain, reusing matching deal",
				"deal_id", existing.ID, "escrow", derived.Escrow.String())
			return o.reissueInitiate(ctx, existing)
		}
		if !errors.Is(lookupErr, db.ErrNotFound) {
			return nil, lookupErr
		}
		return nil, fmt.Errorf("%w: escrow account %s already exists with no matching deal record",
			ErrValidation, derived.Escrow)
	}

	snapshot, err := json.Marshal(map[string]any{
		"currency":    "USD",
		"amount":      display,
		"captured_at": o.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build price snapshot: %w", err)
	}

	deal, err = o.store.CreateDeal(ctx, &db.Deal{
		ID:                id,
		Title:             req.Title,
		SellerWallet:      req.SellerWallet,
		BuyerWallet:       req.BuyerWallet,
		ArbiterWallet:     arbiterWallet,
		PriceAmount:       display,
		AmountUnits:       units,
		FeeBasisPoints:    feeBps,
		DepositMint:       o.opts.DepositMint.String(),
		OnchainAddress:    derived.Escrow.String(),
		VaultTokenAccount: derived.VaultTokenAccount.String(),
		DeliverBy:         deliverBy,
		DisputeDeadline:   disputeDeadline,
		PriceSnapshot:     snapshot,
	})
	if errors.Is(err, db.ErrAlreadyExists) {
		// A concurrent initiate with the same derived id won the insert;
		// converge on its record instead of surfacing the collision.
		existing, getErr := o.store.GetDeal(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return o.reissueInitiate(ctx, existing)
	}
	if err != nil {
		return nil, err
	}
	o.upsertIdentity(ctx, req.SellerWallet, req.SellerDisplayName, req.SellerEmail)
	o.upsertIdentity(ctx, req.BuyerWallet, req.BuyerDisplayName, req.BuyerEmail)
	o.logger.Info("deal created",
		"deal_id", deal.ID, "escrow", deal.OnchainAddress, "amount", display)

	return o.buildPlan(ctx, deal, ActionInitiate)
}

func (o *Orchestrator) upsertIdentity(ctx context.Context, address, displayName, email string) {
	if _, err := o.store.UpsertWalletIdentity(ctx, address, displayName, email); err != nil {
		o.logger.Warn("failed to upsert wallet identity", "address", address, "error", err)
	}
}

// reissueInitiate handles the idempotent retry path: the deal record exists
// in INIT, so a fresh envelope for the same id is returned. If the escrow
// account is already live on-chain and the blockhash fetch fails
// transiently, the envelope degrades to a placeholder checkpoint so the
// caller can still inspect the message.
func (o *Orchestrator) reissueInitiate(ctx context.Context, deal *db.Deal) (*TxPlan, error) {
	if Status(deal.Status) != StatusInit {
		return nil, fmt.Errorf("%w: deal %s is %s, initiate only re-issues INIT deals",
			db.ErrInvalidTransition, deal.ID, deal.Status)
	}
	keys, err := KeysFromDeal(deal)
	if err != nil {
		return nil, err
	}
	instr, err := o.builder.Initiate(keys, deal.AmountUnits, deal.FeeBasisPoints, deal.DisputeDeadline)
	o.recordBuild("initiate", err)
	if err != nil {
		return nil, err
	}
	env, err := o.asm.BuildTransaction(ctx, []solana.Instruction{instr}, keys.Seller)
	if err != nil {
		info, infoErr := o.net.GetAccountInfo(ctx, keys.Escrow)
		if infoErr == nil && info != nil {
			o.logger.Warn("checkpoint fetch failed for already-initialized deal, degrading to placeholder",
				"deal_id", deal.ID, "error", err)
			env, err = o.asm.BuildPlaceholder([]solana.Instruction{instr}, keys.Seller)
		}
		if err != nil {
			return nil, err
		}
	}
	return planFromEnvelope(deal.ID, ActionInitiate, env), nil
}

// buildPlan builds the unsigned transaction for an action against a deal
// that already passed its precondition checks.
func (o *Orchestrator) buildPlan(ctx context.Context, deal *db.Deal, action Action) (*TxPlan, error) {
	keys, err := KeysFromDeal(deal)
	if err != nil {
		return nil, err
	}
	var (
		instr    solana.Instruction
		feePayer solana.PublicKey
	)
	switch action {
	case ActionInitiate:
		instr, err = o.builder.Initiate(keys, deal.AmountUnits, deal.FeeBasisPoints, deal.DisputeDeadline)
		feePayer = keys.Seller
	case ActionFund:
		instr, err = o.builder.Fund(keys)
		feePayer = keys.Buyer
	case ActionRelease:
		instr, err = o.builder.Release(keys)
		feePayer = keys.Seller
	case ActionRefund:
		instr, err = o.builder.Refund(keys)
		feePayer = keys.Buyer
	default:
		return nil, fmt.Errorf("%w: action %s has no build path", ErrValidation, action)
	}
	o.recordBuild(action.Instruction(), err)
	if err != nil {
		return nil, err
	}
	env, err := o.asm.BuildTransaction(ctx, []solana.Instruction{instr}, feePayer)
	if err != nil {
		return nil, err
	}
	return planFromEnvelope(deal.ID, action, env), nil
}

// loadForAction fetches the deal and applies the status precondition for the
// build phase of an action.
func (o *Orchestrator) loadForAction(ctx context.Context, dealID string, action Action) (*db.Deal, error) {
	deal, err := o.store.GetDeal(ctx, dealID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: deal %s", db.ErrNotFound, dealID)
		}
		return nil, err
	}
	if !allowedFrom(action, Status(deal.Status)) {
		return nil, fmt.Errorf("%w: deal status %s cannot be %s",
			db.ErrInvalidTransition, deal.Status, actionVerb(action))
	}
	return deal, nil
}

func actionVerb(a Action) string {
	switch a {
	case ActionFund:
		return "funded"
	case ActionRelease:
		return "released"
	case ActionRefund:
		return "refunded"
	case ActionOpenDispute:
		return "disputed"
	case ActionResolve:
		return "resolved"
	default:
		return "initiated"
	}
}

// requireTicketMatch gates post-verdict payouts: once a deal is RESOLVED,
// only the action the latest ticket names may move the funds.
func (o *Orchestrator) requireTicketMatch(ctx context.Context, deal *db.Deal, action Action) error {
	if Status(deal.Status) != StatusResolved {
		return nil
	}
	ticket, err := o.store.GetLatestResolveTicket(ctx, deal.ID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w for deal %s", ErrNoTicket, deal.ID)
		}
		return err
	}
	if string(action) != ticket.FinalAction {
		return fmt.Errorf("%w: resolution verdict is %s, deal cannot be %s",
			db.ErrInvalidTransition, ticket.FinalAction, actionVerb(action))
	}
	return nil
}

// Fund returns the unsigned funding transaction. Caller must be the buyer.
// A non-empty amount must match what the deal was initiated with.
func (o *Orchestrator) Fund(ctx context.Context, dealID, buyerWallet, amountStr string) (*TxPlan, error) {
	if _, err := validateWallet("buyerWallet", buyerWallet); err != nil {
		return nil, err
	}
	deal, err := o.loadForAction(ctx, dealID, ActionFund)
	if err != nil {
		return nil, err
	}
	if buyerWallet != deal.BuyerWallet {
		return nil, fmt.Errorf("%w: caller wallet does not match buyer", ErrWrongActor)
	}
	if amountStr != "" {
		display, err := amount.ToUSDString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("%w: amount: %v", ErrValidation, err)
		}
		if display != deal.PriceAmount {
			return nil, fmt.Errorf("%w: amount %s does not match deal amount %s",
				ErrValidation, display, deal.PriceAmount)
		}
	}
	return o.buildPlan(ctx, deal, ActionFund)
}

// Release returns the unsigned release transaction. The buyer requests the
// release; the built transaction is signed on-chain by the seller, who
// receives the vault.
func (o *Orchestrator) Release(ctx context.Context, dealID, buyerWallet string) (*TxPlan, error) {
	if _, err := validateWallet("buyerWallet", buyerWallet); err != nil {
		return nil, err
	}
	deal, err := o.loadForAction(ctx, dealID, ActionRelease)
	if err != nil {
		return nil, err
	}
	if buyerWallet != deal.BuyerWallet {
		return nil, fmt.Errorf("%w: caller wallet does not match buyer", ErrWrongActor)
	}
	if err := o.requireTicketMatch(ctx, deal, ActionRelease); err != nil {
		return nil, err
	}
	return o.buildPlan(ctx, deal, ActionRelease)
}

// Refund returns the unsigned refund transaction. The seller requests the
// refund; the built transaction is signed on-chain by the buyer, who gets
// the vault back.
func (o *Orchestrator) Refund(ctx context.Context, dealID, sellerWallet string) (*TxPlan, error) {
	if _, err := validateWallet("sellerWallet", sellerWallet); err != nil {
		return nil, err
	}
	deal, err := o.loadForAction(ctx, dealID, ActionRefund)
	if err != nil {
		return nil, err
	}
	if sellerWallet != deal.SellerWallet {
		return nil, fmt.Errorf("%w: caller wallet does not match seller", ErrWrongActor)
	}
	if err := o.requireTicketMatch(ctx, deal, ActionRefund); err != nil {
		return nil, err
	}
	return o.buildPlan(ctx, deal, ActionRefund)
}

// OpenDispute returns the unsigned dispute transaction. Either party signs.
func (o *Orchestrator) OpenDispute(ctx context.Context, dealID, callerWallet string) (*TxPlan, error) {
	caller, err := validateWallet("callerWallet", callerWallet)
	if err != nil {
		return nil, err
	}
	deal, err := o.loadForAction(ctx, dealID, ActionOpenDispute)
	if err != nil {
		return nil, err
	}
	if callerWallet != deal.BuyerWallet && callerWallet != deal.SellerWallet {
		return nil, fmt.Errorf("%w: caller wallet is neither buyer nor seller", ErrWrongActor)
	}
	keys, err := KeysFromDeal(deal)
	if err != nil {
		return nil, err
	}
	instr, err := o.builder.OpenDispute(keys, caller)
	o.recordBuild("open_dispute", err)
	if err != nil {
		return nil, err
	}
	env, err := o.asm.BuildTransaction(ctx, []solana.Instruction{instr}, caller)
	if err != nil {
		return nil, err
	}
	return planFromEnvelope(deal.ID, ActionOpenDispute, env), nil
}

// ResolveResult reports a server-signed verdict submission.
type ResolveResult struct {
	DealID      string `json:"dealId"`
	Signature   string `json:"txSig"`
	FinalAction string `json:"finalAction"`
}

// ResolveRequest asks to submit the arbiter's verdict for a deal. The
// verdict, when given, must agree with the latest resolve ticket; omitted,
// it is taken from the ticket.
type ResolveRequest struct {
	DealID        string `json:"dealId"`
	ArbiterWallet string `json:"arbiterWallet,omitempty"`
	Verdict       string `json:"verdict,omitempty"`
}

// Resolve submits the arbiter's verdict. The server holds the arbiter key;
// the transaction is simulated first and only submitted when the dry run
// succeeds. Status advances when the caller confirms the signature.
func (o *Orchestrator) Resolve(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	dealID := req.DealID
	deal, err := o.loadForAction(ctx, dealID, ActionResolve)
	if err != nil {
		return nil, err
	}
	if req.ArbiterWallet != "" && req.ArbiterWallet != deal.ArbiterWallet {
		return nil, fmt.Errorf("%w: caller wallet does not match arbiter", ErrWrongActor)
	}
	ticket, err := o.store.GetLatestResolveTicket(ctx, dealID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w for deal %s", ErrNoTicket, dealID)
		}
		return nil, err
	}
	if ticket.ArbiterWallet != deal.ArbiterWallet {
		return nil, fmt.Errorf("%w: ticket arbiter %s does not match deal arbiter %s",
			ErrWrongActor, ticket.ArbiterWallet, deal.ArbiterWallet)
	}
	if req.Verdict != "" {
		if _, err := VerdictFromAction(req.Verdict); err != nil {
			return nil, err
		}
		if req.Verdict != ticket.FinalAction {
			return nil, fmt.Errorf("%w: requested verdict %s does not match ticket verdict %s",
				db.ErrInvalidTransition, req.Verdict, ticket.FinalAction)
		}
	}
	if len(o.opts.ArbiterKey) == 0 {
		return nil, fmt.Errorf("no arbiter key configured for server-signed resolve")
	}
	if o.opts.ArbiterKey.PublicKey().String() != deal.ArbiterWallet {
		return nil, fmt.Errorf("%w: configured arbiter key does not match deal arbiter", ErrWrongActor)
	}
	verdict, err := VerdictFromAction(ticket.FinalAction)
	if err != nil {
		return nil, err
	}
	keys, err := KeysFromDeal(deal)
	if err != nil {
		return nil, err
	}
	instr, err := o.builder.Resolve(keys, verdict)
	o.recordBuild("resolve", err)
	if err != nil {
		return nil, err
	}

	env, err := o.asm.BuildTransaction(ctx, []solana.Instruction{instr}, keys.Arbiter)
	if err != nil {
		return nil, err
	}
	sim, err := o.asm.Simulate(ctx, env.MessageBase64)
	if err != nil {
		return nil, fmt.Errorf("resolve pre-flight simulation failed: %w", err)
	}
	if !sim.Success {
		o.logger.Error("resolve simulation rejected",
			"deal_id", dealID, "detail", sim.ErrorDetail, "logs", sim.Logs)
		return nil, fmt.Errorf("%w: simulation failed: %s", ErrOnchainFailed, sim.ErrorDetail)
	}

	sig, err := o.asm.SignAndSubmit(ctx, []solana.Instruction{instr}, o.opts.ArbiterKey)
	if err != nil {
		return nil, err
	}
	o.logger.Info("resolve submitted",
		"deal_id", dealID, "signature", sig.String(), "final_action", ticket.FinalAction)
	return &ResolveResult{
		DealID:      dealID,
		Signature:   sig.String(),
		FinalAction: ticket.FinalAction,
	}, nil
}

// ConfirmMode selects how a signature's outcome is verified.
type ConfirmMode string

const (
	// ConfirmOnchain verifies the signature against the network.
	ConfirmOnchain ConfirmMode = "onchain"
	// ConfirmSimulated skips the network check. Only honored when the
	// deployment explicitly allows it; never inferred from the signature.
	ConfirmSimulated ConfirmMode = "simulated"
)

// ConfirmRequest asks to advance a deal after a signed transaction landed.
type ConfirmRequest struct {
	DealID      string      `json:"dealId"`
	TxSignature string      `json:"txSig"`
	ActorWallet string      `json:"actorWallet"`
	Action      string      `json:"action"`
	Mode        ConfirmMode `json:"mode,omitempty"`
}

// Confirm verifies a submitted signature's on-chain outcome and atomically
// advances the deal's status, appending the on-chain event in the same
// database transaction. Exactly one of two concurrent confirms for a deal
// can succeed; the loser observes the post-transition status.
func (o *Orchestrator) Confirm(ctx context.Context, req ConfirmRequest) (*db.Deal, error) {
	start := o.now()
	action, err := ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	if _, err := validateWallet("actorWallet", req.ActorWallet); err != nil {
		return nil, err
	}
	deal, err := o.store.GetDeal(ctx, req.DealID)
	if err != nil {
		return nil, err
	}
	if err := o.checkConfirmActor(deal, action, req.ActorWallet); err != nil {
		return nil, err
	}
	if action == ActionRelease || action == ActionRefund {
		if err := o.requireTicketMatch(ctx, deal, action); err != nil {
			return nil, err
		}
	}
	if action == ActionResolve {
		if _, err := o.store.GetLatestResolveTicket(ctx, req.DealID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, fmt.Errorf("%w for deal %s", ErrNoTicket, req.DealID)
			}
			return nil, err
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = ConfirmOnchain
	}
	var slot uint64
	switch mode {
	case ConfirmOnchain:
		slot, err = o.verifySignature(ctx, req.TxSignature)
		if err != nil {
			o.recordTransition(action.Instruction(), "rejected")
			return nil, err
		}
	case ConfirmSimulated:
		if !o.opts.AllowSimulatedConfirm {
			return nil, ErrSimulatedConfirmDisabled
		}
		o.logger.Warn("confirming without on-chain verification",
			"deal_id", req.DealID, "action", action)
	default:
		return nil, fmt.Errorf("%w: unknown confirm mode %q", ErrValidation, mode)
	}

	updated, err := o.store.TransitionDeal(ctx, req.DealID, fromStatuses(action), string(transitions[action].to), &db.OnchainEvent{
		Signature:   req.TxSignature,
		Slot:        slot,
		Instruction: action.Instruction(),
	})
	if err != nil {
		o.recordTransition(action.Instruction(), "rejected")
		return nil, err
	}
	o.recordTransition(action.Instruction(), "committed")
	if o.metrics != nil {
		o.metrics.RecordConfirm(action.Instruction(), "success", o.now().Sub(start).Seconds())
	}
	o.publishEvent(ctx, updated, action, req.TxSignature, slot)
	return updated, nil
}

func (o *Orchestrator) publishEvent(ctx context.Context, deal *db.Deal, action Action, sig string, slot uint64) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishDealEvent(ctx, natspkg.DealEvent{
		DealID:      deal.ID,
		Status:      deal.Status,
		Instruction: action.Instruction(),
		Signature:   sig,
		Slot:        slot,
		Seller:      deal.SellerWallet,
		Buyer:       deal.BuyerWallet,
		Timestamp:   o.now().UTC(),
	})
	if err != nil {
		o.logger.Warn("failed to publish deal event", "deal_id", deal.ID, "error", err)
	}
}

// checkConfirmActor mirrors the build-phase actor rules at confirm time.
func (o *Orchestrator) checkConfirmActor(deal *db.Deal, action Action, actor string) error {
	switch action {
	case ActionInitiate, ActionRelease:
		if actor != deal.SellerWallet {
			return fmt.Errorf("%w: caller wallet does not match seller", ErrWrongActor)
		}
	case ActionFund, ActionRefund:
		if actor != deal.BuyerWallet {
			return fmt.Errorf("%w: caller wallet does not match buyer", ErrWrongActor)
		}
	case ActionOpenDispute:
		if actor != deal.BuyerWallet && actor != deal.SellerWallet {
			return fmt.Errorf("%w: caller wallet is neither buyer nor seller", ErrWrongActor)
		}
	case ActionResolve:
		if actor != deal.ArbiterWallet {
			return fmt.Errorf("%w: caller wallet does not match arbiter", ErrWrongActor)
		}
	}
	return nil
}

// verifySignature checks that the signature landed successfully with at
// least confirmed commitment, returning its slot.
func (o *Orchestrator) verifySignature(ctx context.Context, txSig string) (uint64, error) {
	sig, err := solana.SignatureFromBase58(txSig)
	if err != nil {
		return 0, fmt.Errorf("%w: txSig is not a valid base58 signature", ErrValidation)
	}
	st, err := o.net.GetSignatureStatus(ctx, sig)
	if err != nil {
		return 0, fmt.Errorf("failed to check signature status: %w", err)
	}
	if !st.Found {
		return 0, fmt.Errorf("%w: signature %s not found on chain", ErrOnchainFailed, txSig)
	}
	if st.Err != nil {
		return 0, fmt.Errorf("%w: signature %s failed: %v", ErrOnchainFailed, txSig, st.Err)
	}
	if st.ConfirmationStatus != "confirmed" && st.ConfirmationStatus != "finalized" {
		return 0, fmt.Errorf("%w: signature %s is only %s", ErrOnchainFailed, txSig, st.ConfirmationStatus)
	}
	return st.Slot, nil
}

// DealDetail is a deal plus its event log.
type DealDetail struct {
	Deal   *db.Deal           `json:"deal"`
	Events []*db.OnchainEvent `json:"events"`
}

// GetDeal returns a deal with its on-chain event log.
func (o *Orchestrator) GetDeal(ctx context.Context, dealID string) (*DealDetail, error) {
	deal, err := o.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.ListEvents(ctx, dealID)
	if err != nil {
		return nil, err
	}
	return &DealDetail{Deal: deal, Events: events}, nil
}

// ListDeals returns deals involving a wallet.
func (o *Orchestrator) ListDeals(ctx context.Context, wallet string) ([]*db.Deal, error) {
	if _, err := validateWallet("wallet", wallet); err != nil {
		return nil, err
	}
	return o.store.ListDealsByWallet(ctx, wallet)
}

// DeleteDeal removes a deal that never left INIT.
func (o *Orchestrator) DeleteDeal(ctx context.Context, dealID string) error {
	return o.store.DeleteDeal(ctx, dealID)
}
