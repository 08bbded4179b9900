package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDeal(t *testing.T, store *Store) *Deal {
	t.Helper()
	now := time.Now()
	d, err := store.CreateDeal(context.Background(), &Deal{
		ID:                uuid.NewString(),
		Title:             "logo design",
		SellerWallet:      "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		BuyerWallet:       "9yQNdPZ8t6DFJ4mBVSZjEXyoRAeSdoBDsvZnUE47DdAk",
		ArbiterWallet:     "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		PriceAmount:       "125.00",
		AmountUnits:       125_000_000,
		FeeBasisPoints:    50,
		DepositMint:       "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		OnchainAddress:    "3KS2k14CmtnuVv2fvYcvdrNgC94Y11WETBpMUGgXyWZL",
		VaultTokenAccount: "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T",
		DeliverBy:         now.Add(72 * time.Hour),
		DisputeDeadline:   now.Add(120 * time.Hour),
		PriceSnapshot:     []byte(`{"currency":"USD","amount":"125.00"}`),
	})
	require.NoError(t, err)
	return d
}

func TestCreateAndGetDeal(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	created := seedDeal(t, store)
	assert.Equal(t, "INIT", created.Status)
	assert.Nil(t, created.FundedAt)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := store.GetDeal(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "logo design", got.Title)
	assert.Equal(t, uint64(125_000_000), got.AmountUnits)
	assert.Equal(t, uint16(50), got.FeeBasisPoints)
	assert.JSONEq(t, `{"currency":"USD","amount":"125.00"}`, string(got.PriceSnapshot))

	_, err = store.GetDeal(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDealDuplicateID(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)
	_, err := store.CreateDeal(ctx, d)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetDealByOnchainParties(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)

	got, err := store.GetDealByOnchainParties(ctx, d.OnchainAddress, d.SellerWallet, d.BuyerWallet)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = store.GetDealByOnchainParties(ctx, d.OnchainAddress, d.BuyerWallet, d.SellerWallet)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDealsByWallet(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)

	for _, wallet := range []string{d.SellerWallet, d.BuyerWallet} {
		deals, err := store.ListDealsByWallet(ctx, wallet)
		require.NoError(t, err)
		require.Len(t, deals, 1)
		assert.Equal(t, d.ID, deals[0].ID)
	}

	deals, err := store.ListDealsByWallet(ctx, "BPFLoaderUpgradeab1e11111111111111111111111")
	require.NoError(t, err)
	assert.Empty(t, deals)
}

func TestTransitionDeal(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)

	updated, err := store.TransitionDeal(ctx, d.ID, []string{"INIT"}, "FUNDED", &OnchainEvent{
		Signature:   "sig-fund",
		Slot:        100,
		Instruction: "fund",
	})
	require.NoError(t, err)
	assert.Equal(t, "FUNDED", updated.Status)
	require.NotNil(t, updated.FundedAt)
	firstFunded := *updated.FundedAt

	// Replaying the same transition must fail the precondition.
	_, err = store.TransitionDeal(ctx, d.ID, []string{"INIT"}, "FUNDED", nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "FUNDED")

	// fundedAt is set once and survives later transitions.
	released, err := store.TransitionDeal(ctx, d.ID, []string{"FUNDED", "RESOLVED"}, "RELEASED", &OnchainEvent{
		Signature:   "sig-release",
		Slot:        200,
		Instruction: "release",
	})
	require.NoError(t, err)
	require.NotNil(t, released.FundedAt)
	assert.Equal(t, firstFunded.UTC(), released.FundedAt.UTC())

	events, err := store.ListEvents(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "fund", events[0].Instruction)
	assert.Equal(t, "release", events[1].Instruction)
	assert.Equal(t, uint64(200), events[1].Slot)
}

func TestTransitionDealMissing(t *testing.T) {
	store := TestStore(t)

	_, err := store.TransitionDeal(context.Background(), uuid.NewString(), []string{"INIT"}, "FUNDED", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.TransitionDeal(ctx, d.ID, []string{"INIT"}, "FUNDED", &OnchainEvent{
				Signature:   "sig-concurrent",
				Instruction: "fund",
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, wins)

	got, err := store.GetDeal(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "FUNDED", got.Status)
}

func TestDeleteDealInitOnly(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)
	require.NoError(t, store.DeleteDeal(ctx, d.ID))
	_, err := store.GetDeal(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	d = seedDeal(t, store)
	_, err = store.TransitionDeal(ctx, d.ID, []string{"INIT"}, "FUNDED", nil)
	require.NoError(t, err)
	err = store.DeleteDeal(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotDeletable)

	assert.ErrorIs(t, store.DeleteDeal(ctx, uuid.NewString()), ErrNotFound)
}

func TestResolveTicketLatestWins(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	d := seedDeal(t, store)

	_, err := store.GetLatestResolveTicket(ctx, d.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.InsertResolveTicket(ctx, &ResolveTicket{
		DealID:        d.ID,
		ArbiterWallet: d.ArbiterWallet,
		FinalAction:   "RELEASE",
		Confidence:    0.4,
	})
	require.NoError(t, err)
	_, err = store.InsertResolveTicket(ctx, &ResolveTicket{
		DealID:        d.ID,
		ArbiterWallet: d.ArbiterWallet,
		FinalAction:   "REFUND",
		Confidence:    0.9,
		RationaleRef:  "case-774",
	})
	require.NoError(t, err)

	latest, err := store.GetLatestResolveTicket(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "REFUND", latest.FinalAction)
	assert.Equal(t, "case-774", latest.RationaleRef)
}

func TestUpsertWalletIdentity(t *testing.T) {
	store := TestStore(t)
	ctx := context.Background()

	const addr = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

	w, err := store.UpsertWalletIdentity(ctx, addr, "alice", "alice@x.test")
	require.NoError(t, err)
	assert.Equal(t, "alice", w.DisplayName)
	assert.Equal(t, "alice@x.test", w.Email)

	// Empty fields on a later upsert keep the existing values.
	w, err = store.UpsertWalletIdentity(ctx, addr, "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", w.DisplayName)
	assert.Equal(t, "alice@x.test", w.Email)

	w, err = store.UpsertWalletIdentity(ctx, addr, "alice2", "")
	require.NoError(t, err)
	assert.Equal(t, "alice2", w.DisplayName)

	got, err := store.GetWalletIdentity(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.DisplayName)
	assert.Equal(t, "alice@x.test", got.Email)
}
