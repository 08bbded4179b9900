package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/escrowd/service/db"
	natspkg "github.com/meridianlabs/escrowd/service/nats"
	"github.com/meridianlabs/escrowd/service/pda"
	solanapkg "github.com/meridianlabs/escrowd/service/solana"
)

// fakeStore is an in-memory Store with the same atomicity contract as the
// Postgres implementation.
type fakeStore struct {
	mu         sync.Mutex
	deals      map[string]*db.Deal
	events     map[string][]*db.OnchainEvent
	tickets    map[string][]*db.ResolveTicket
	identities map[string]string

	// beforeCreate runs under the lock ahead of CreateDeal's duplicate
	// check, letting tests interleave a rival writer.
	beforeCreate func(*db.Deal)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deals:      make(map[string]*db.Deal),
		events:     make(map[string][]*db.OnchainEvent),
		tickets:    make(map[string][]*db.ResolveTicket),
		identities: make(map[string]string),
	}
}

func (s *fakeStore) CreateDeal(ctx context.Context, d *db.Deal) (*db.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeCreate != nil {
		s.beforeCreate(d)
	}
	if _, ok := s.deals[d.ID]; ok {
		return nil, fmt.Errorf("deal %s: %w", d.ID, db.ErrAlreadyExists)
	}
	cp := *d
	cp.Status = "INIT"
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.deals[d.ID] = &cp
	out := cp
	return &out, nil
}

func (s *fakeStore) GetDeal(ctx context.Context, id string) (*db.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) GetDealByOnchainParties(ctx context.Context, onchain, seller, buyer string) (*db.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deals {
		if d.OnchainAddress == onchain && d.SellerWallet == seller && d.BuyerWallet == buyer {
			cp := *d
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) ListDealsByWallet(ctx context.Context, wallet string) ([]*db.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Deal
	for _, d := range s.deals {
		if d.SellerWallet == wallet || d.BuyerWallet == wallet || d.ArbiterWallet == wallet {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteDeal(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[id]
	if !ok {
		return db.ErrNotFound
	}
	if d.Status != "INIT" {
		return fmt.Errorf("%w: deal %s is %s", db.ErrNotDeletable, id, d.Status)
	}
	delete(s.deals, id)
	return nil
}

func (s *fakeStore) TransitionDeal(ctx context.Context, dealID string, fromStatuses []string, toStatus string, event *db.OnchainEvent) (*db.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return nil, db.ErrNotFound
	}
	allowed := false
	for _, from := range fromStatuses {
		if d.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: deal %s is %s, cannot move to %s", db.ErrInvalidTransition, dealID, d.Status, toStatus)
	}
	d.Status = toStatus
	d.UpdatedAt = time.Now()
	if toStatus == "FUNDED" && d.FundedAt == nil {
		now := time.Now()
		d.FundedAt = &now
	}
	if event != nil {
		e := *event
		e.DealID = dealID
		s.events[dealID] = append(s.events[dealID], &e)
	}
	cp := *d
	return &cp, nil
}

func (s *fakeStore) ListEvents(ctx context.Context, dealID string) ([]*db.OnchainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*db.OnchainEvent{}, s.events[dealID]...), nil
}

func (s *fakeStore) GetLatestResolveTicket(ctx context.Context, dealID string) (*db.ResolveTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tickets[dealID]
	if len(ts) == 0 {
		return nil, db.ErrNotFound
	}
	cp := *ts[len(ts)-1]
	return &cp, nil
}

func (s *fakeStore) UpsertWalletIdentity(ctx context.Context, address, displayName, email string) (*db.WalletIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[address] = displayName
	return &db.WalletIdentity{Address: address, DisplayName: displayName, Email: email}, nil
}

func (s *fakeStore) addTicket(dealID string, t *db.ResolveTicket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.DealID = dealID
	s.tickets[dealID] = append(s.tickets[dealID], t)
}

func (s *fakeStore) setStatus(dealID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[dealID].Status = status
}

type fixture struct {
	orch  *Orchestrator
	store *fakeStore
	net   *solanapkg.MockNetworkClient
	pub   *natspkg.MockPublisher
}

func confirmedStatus(sig solana.Signature) *solanapkg.SignatureStatus {
	return &solanapkg.SignatureStatus{Found: true, Slot: 5000, ConfirmationStatus: "finalized"}
}

func newFixture(t *testing.T, arbiterKey solana.PrivateKey) *fixture {
	t.Helper()
	store := newFakeStore()
	net := &solanapkg.MockNetworkClient{
		GetCheckpointFunc: func(ctx context.Context) (solanapkg.Checkpoint, error) {
			var h solana.Hash
			h[0] = 1
			return solanapkg.Checkpoint{Blockhash: h, LastValidBlockHeight: 100}, nil
		},
		GetSignatureStatusFunc: func(ctx context.Context, sig solana.Signature) (*solanapkg.SignatureStatus, error) {
			return confirmedStatus(sig), nil
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	asm := solanapkg.NewAssembler(net, logger)
	builder := NewBuilder(pda.NewDeriver(testProgramID, pda.SchemeDealID))
	pub := &natspkg.MockPublisher{}
	orch := NewOrchestrator(store, net, asm, builder, pub, logger, nil, Options{
		DepositMint:     testMint,
		DefaultFeeBps:   50,
		DeliverByWindow: 72 * time.Hour,
		DisputeWindow:   48 * time.Hour,
		ArbiterKey:      arbiterKey,
	})
	return &fixture{orch: orch, store: store, net: net, pub: pub}
}

func initiateReq() InitiateRequest {
	return InitiateRequest{
		SellerWallet: testSeller.String(),
		BuyerWallet:  testBuyer.String(),
		Amount:       "125.00",
	}
}

func mustInitiate(t *testing.T, f *fixture) string {
	t.Helper()
	plan, err := f.orch.Initiate(context.Background(), initiateReq())
	require.NoError(t, err)
	return plan.DealID
}

func TestInitiateCreatesDeal(t *testing.T) {
	f := newFixture(t, nil)

	plan, err := f.orch.Initiate(context.Background(), initiateReq())
	require.NoError(t, err)
	assert.NotEmpty(t, plan.DealID)
	assert.NotEmpty(t, plan.TxMessageBase64)
	assert.Equal(t, "fund", plan.NextClientAction)
	assert.Equal(t, testSeller.String(), plan.FeePayer)

	deal, err := f.store.GetDeal(context.Background(), plan.DealID)
	require.NoError(t, err)
	assert.Equal(t, "INIT", deal.Status)
	assert.Equal(t, "125.00", deal.PriceAmount)
	assert.Equal(t, uint64(125_000_000), deal.AmountUnits)
	assert.Equal(t, testSeller.String(), deal.ArbiterWallet, "arbiter defaults to seller")
	assert.NotEmpty(t, deal.OnchainAddress)
	assert.Contains(t, string(deal.PriceSnapshot), `"USD"`)
	assert.Contains(t, f.store.identities, testSeller.String())
}

func TestInitiateIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Identical terms converge on one deal id; fixed deliverBy keeps the
	// derivation seed stable across the two calls.
	req := initiateReq()
	deliverBy := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	req.DeliverBy = &deliverBy

	first, err := f.orch.Initiate(ctx, req)
	require.NoError(t, err)
	second, err := f.orch.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.DealID, second.DealID)

	deals, err := f.store.ListDealsByWallet(ctx, testSeller.String())
	require.NoError(t, err)
	assert.Len(t, deals, 1)
}

func TestInitiateRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := initiateReq()
	req.SellerWallet = "nope"
	_, err := f.orch.Initiate(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = initiateReq()
	req.Amount = "12.3456789"
	_, err = f.orch.Initiate(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = initiateReq()
	bad := uint16(10001)
	req.FeeBasisPoints = &bad
	_, err = f.orch.Initiate(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestInitiateRefusesForeignOnchainAccount(t *testing.T) {
	f := newFixture(t, nil)
	f.net.GetAccountInfoFunc = func(ctx context.Context, addr solana.PublicKey) (*solanapkg.AccountInfo, error) {
		return &solanapkg.AccountInfo{Owner: testProgramID}, nil
	}

	// Account exists on-chain but no deal record matches on address+parties.
	_, err := f.orch.Initiate(context.Background(), initiateReq())
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "no matching deal record")
}

func TestFundRequiresBuyer(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	_, err := f.orch.Fund(context.Background(), id, testSeller.String(), "")
	require.ErrorIs(t, err, ErrWrongActor)
	assert.Contains(t, err.Error(), "does not match buyer")

	plan, err := f.orch.Fund(context.Background(), id, testBuyer.String(), "")
	require.NoError(t, err)
	assert.Equal(t, testBuyer.String(), plan.FeePayer)
	assert.Equal(t, "confirm", plan.NextClientAction)
}

func TestFundRejectsMismatchedAmount(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)
	ctx := context.Background()

	_, err := f.orch.Fund(ctx, id, testBuyer.String(), "130.00")
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "does not match deal amount")

	// equivalent renderings of the deal amount are accepted
	_, err = f.orch.Fund(ctx, id, testBuyer.String(), "125")
	require.NoError(t, err)
	_, err = f.orch.Fund(ctx, id, testBuyer.String(), "125.00")
	require.NoError(t, err)
}

func TestReleaseRequiresFundedStatus(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	_, err := f.orch.Release(context.Background(), id, testBuyer.String())
	require.ErrorIs(t, err, db.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "status INIT cannot be released")
}

func TestReleaseAndRefundRequestActors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// The buyer requests release (the seller signs the built tx); the
	// seller requests refund (the buyer signs).
	id := mustInitiate(t, f)
	f.store.setStatus(id, "FUNDED")

	_, err := f.orch.Release(ctx, id, testSeller.String())
	require.ErrorIs(t, err, ErrWrongActor)
	assert.Contains(t, err.Error(), "does not match buyer")

	plan, err := f.orch.Release(ctx, id, testBuyer.String())
	require.NoError(t, err)
	assert.Equal(t, testSeller.String(), plan.FeePayer)

	_, err = f.orch.Refund(ctx, id, testBuyer.String())
	require.ErrorIs(t, err, ErrWrongActor)
	assert.Contains(t, err.Error(), "does not match seller")

	plan, err = f.orch.Refund(ctx, id, testSeller.String())
	require.NoError(t, err)
	assert.Equal(t, testBuyer.String(), plan.FeePayer)
}

func TestConcurrentInitiateConvergesOnWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Simulate a rival request landing the insert first: the hook writes
	// the same deal id just before the duplicate check fires.
	raced := false
	f.store.beforeCreate = func(d *db.Deal) {
		if raced {
			return
		}
		raced = true
		cp := *d
		cp.Status = "INIT"
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		f.store.deals[d.ID] = &cp
	}

	plan, err := f.orch.Initiate(ctx, initiateReq())
	require.NoError(t, err)
	assert.True(t, raced)
	assert.NotEmpty(t, plan.TxMessageBase64)
	assert.Equal(t, "fund", plan.NextClientAction)

	deals, err := f.store.ListDealsByWallet(ctx, testSeller.String())
	require.NoError(t, err)
	assert.Len(t, deals, 1, "loser converges on the winner's record")
}

func TestConfirmFundTransitions(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)
	sig := solana.Signature{7}.String()

	deal, err := f.orch.Confirm(context.Background(), ConfirmRequest{
		DealID:      id,
		TxSignature: sig,
		ActorWallet: testBuyer.String(),
		Action:      "FUND",
	})
	require.NoError(t, err)
	assert.Equal(t, "FUNDED", deal.Status)
	require.NotNil(t, deal.FundedAt)

	events, err := f.store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fund", events[0].Instruction)
	assert.Equal(t, uint64(5000), events[0].Slot)

	published := f.pub.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "FUNDED", published[0].Status)
	assert.Equal(t, id, published[0].DealID)
}

func TestConfirmRejectsFailedSignature(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	f.net.GetSignatureStatusFunc = func(ctx context.Context, sig solana.Signature) (*solanapkg.SignatureStatus, error) {
		return &solanapkg.SignatureStatus{Found: true, ConfirmationStatus: "finalized", Err: map[string]any{"InstructionError": 0}}, nil
	}
	_, err := f.orch.Confirm(context.Background(), ConfirmRequest{
		DealID:      id,
		TxSignature: solana.Signature{7}.String(),
		ActorWallet: testBuyer.String(),
		Action:      "FUND",
	})
	require.ErrorIs(t, err, ErrOnchainFailed)

	deal, err := f.store.GetDeal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "INIT", deal.Status)
	assert.Empty(t, f.pub.Published())
}

func TestConfirmSimulatedModeIsGated(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	req := ConfirmRequest{
		DealID:      id,
		TxSignature: solana.Signature{7}.String(),
		ActorWallet: testBuyer.String(),
		Action:      "FUND",
		Mode:        ConfirmSimulated,
	}
	_, err := f.orch.Confirm(context.Background(), req)
	require.ErrorIs(t, err, ErrSimulatedConfirmDisabled)

	f.orch.opts.AllowSimulatedConfirm = true
	deal, err := f.orch.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "FUNDED", deal.Status)
	assert.Equal(t, 0, f.net.CallCount("GetSignatureStatus"))
}

func TestConcurrentConfirmsOnlyOneWins(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.Confirm(context.Background(), ConfirmRequest{
				DealID:      id,
				TxSignature: solana.Signature{byte(i + 1)}.String(),
				ActorWallet: testBuyer.String(),
				Action:      "FUND",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, db.ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestDisputeAndResolveFlow(t *testing.T) {
	arbiterKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	f := newFixture(t, arbiterKey)
	ctx := context.Background()

	req := initiateReq()
	req.ArbiterWallet = arbiterKey.PublicKey().String()
	plan, err := f.orch.Initiate(ctx, req)
	require.NoError(t, err)
	id := plan.DealID
	f.store.setStatus(id, "FUNDED")

	// open-dispute by the seller
	_, err = f.orch.OpenDispute(ctx, id, testSeller.String())
	require.NoError(t, err)
	_, err = f.orch.Confirm(ctx, ConfirmRequest{
		DealID: id, TxSignature: solana.Signature{1}.String(),
		ActorWallet: testSeller.String(), Action: "OPEN_DISPUTE",
	})
	require.NoError(t, err)

	// resolve without a ticket is rejected
	_, err = f.orch.Resolve(ctx, ResolveRequest{DealID: id})
	require.ErrorIs(t, err, ErrNoTicket)

	f.store.addTicket(id, &db.ResolveTicket{
		ArbiterWallet: arbiterKey.PublicKey().String(),
		FinalAction:   "REFUND",
		Confidence:    0.92,
	})

	wantSig := solana.Signature{9}
	f.net.SubmitFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		return wantSig, nil
	}
	res, err := f.orch.Resolve(ctx, ResolveRequest{DealID: id})
	require.NoError(t, err)
	assert.Equal(t, wantSig.String(), res.Signature)
	assert.Equal(t, "REFUND", res.FinalAction)
	assert.Equal(t, 1, f.net.CallCount("Simulate"), "resolve must pre-flight simulate")

	// confirm the verdict, then only the refund path may move funds
	deal, err := f.orch.Confirm(ctx, ConfirmRequest{
		DealID: id, TxSignature: res.Signature,
		ActorWallet: arbiterKey.PublicKey().String(), Action: "RESOLVE",
	})
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED", deal.Status)

	_, err = f.orch.Release(ctx, id, testBuyer.String())
	require.ErrorIs(t, err, db.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "verdict is REFUND")

	_, err = f.orch.Refund(ctx, id, testSeller.String())
	require.NoError(t, err)

	deal, err = f.orch.Confirm(ctx, ConfirmRequest{
		DealID: id, TxSignature: solana.Signature{11}.String(),
		ActorWallet: testBuyer.String(), Action: "REFUND",
	})
	require.NoError(t, err)
	assert.Equal(t, "REFUNDED", deal.Status)
}

func TestResolveSimulationFailureBlocksSubmit(t *testing.T) {
	arbiterKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	f := newFixture(t, arbiterKey)
	ctx := context.Background()

	req := initiateReq()
	req.ArbiterWallet = arbiterKey.PublicKey().String()
	plan, err := f.orch.Initiate(ctx, req)
	require.NoError(t, err)
	f.store.setStatus(plan.DealID, "DISPUTED")
	f.store.addTicket(plan.DealID, &db.ResolveTicket{
		ArbiterWallet: arbiterKey.PublicKey().String(),
		FinalAction:   "RELEASE",
	})
	f.net.SimulateFunc = func(ctx context.Context, tx *solana.Transaction) (*solanapkg.SimulationResult, error) {
		return &solanapkg.SimulationResult{Success: false, ErrorDetail: "custom program error: 0x1"}, nil
	}

	_, err = f.orch.Resolve(ctx, ResolveRequest{DealID: plan.DealID})
	require.ErrorIs(t, err, ErrOnchainFailed)
	assert.Equal(t, 0, f.net.CallCount("Submit"))
}

func TestResolveChecksArbiterAndVerdict(t *testing.T) {
	arbiterKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	f := newFixture(t, arbiterKey)
	ctx := context.Background()

	req := initiateReq()
	req.ArbiterWallet = arbiterKey.PublicKey().String()
	plan, err := f.orch.Initiate(ctx, req)
	require.NoError(t, err)
	id := plan.DealID
	f.store.setStatus(id, "DISPUTED")
	f.store.addTicket(id, &db.ResolveTicket{
		ArbiterWallet: arbiterKey.PublicKey().String(),
		FinalAction:   "RELEASE",
	})

	_, err = f.orch.Resolve(ctx, ResolveRequest{DealID: id, ArbiterWallet: testBuyer.String()})
	require.ErrorIs(t, err, ErrWrongActor)
	assert.Contains(t, err.Error(), "does not match arbiter")

	_, err = f.orch.Resolve(ctx, ResolveRequest{DealID: id, Verdict: "REFUND"})
	require.ErrorIs(t, err, db.ErrInvalidTransition)
	assert.Contains(t, err.Error(), "does not match ticket verdict")

	_, err = f.orch.Resolve(ctx, ResolveRequest{DealID: id, Verdict: "burn"})
	require.ErrorIs(t, err, ErrValidation)

	res, err := f.orch.Resolve(ctx, ResolveRequest{
		DealID:        id,
		ArbiterWallet: arbiterKey.PublicKey().String(),
		Verdict:       "RELEASE",
	})
	require.NoError(t, err)
	assert.Equal(t, "RELEASE", res.FinalAction)
}

func TestDeleteDealPassesThrough(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)
	require.NoError(t, f.orch.DeleteDeal(context.Background(), id))

	id = mustInitiate(t, f)
	f.store.setStatus(id, "FUNDED")
	assert.ErrorIs(t, f.orch.DeleteDeal(context.Background(), id), db.ErrNotDeletable)
}

func TestGetDealDetail(t *testing.T) {
	f := newFixture(t, nil)
	id := mustInitiate(t, f)

	_, err := f.orch.Confirm(context.Background(), ConfirmRequest{
		DealID: id, TxSignature: solana.Signature{3}.String(),
		ActorWallet: testBuyer.String(), Action: "FUND",
	})
	require.NoError(t, err)

	detail, err := f.orch.GetDeal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "FUNDED", detail.Deal.Status)
	require.Len(t, detail.Events, 1)
}
