// Package db implements the Postgres-backed deal store. All status
// transitions go through TransitionDeal, which performs the read, the
// precondition check, the update and the event insert inside one database
// transaction so concurrent confirms for a deal cannot both succeed.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianlabs/escrowd/service/metrics"
)

var (
	// ErrNotFound is returned when a deal, ticket or identity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a deal's current status does not
	// permit the requested transition.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotDeletable is returned when deleting a deal that has left INIT.
	ErrNotDeletable = errors.New("only INIT deals can be deleted")
	// ErrAlreadyExists is returned when an insert loses a race to another
	// writer creating the same primary key.
	ErrAlreadyExists = errors.New("already exists")
)

// uniqueViolationCode is the Postgres error code for unique_violation.
const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// Deal is the persisted deal record.
type Deal struct {
	ID                string     `json:"id"`
	Title             string     `json:"title,omitempty"`
	SellerWallet      string     `json:"seller_wallet"`
	BuyerWallet       string     `json:"buyer_wallet"`
	ArbiterWallet     string     `json:"arbiter_wallet"`
	PriceAmount       string     `json:"price_amount"`
	AmountUnits       uint64     `json:"amount_units"`
	FeeBasisPoints    uint16     `json:"fee_basis_points"`
	DepositMint       string     `json:"deposit_mint"`
	OnchainAddress    string     `json:"onchain_address"`
	VaultTokenAccount string     `json:"vault_token_account"`
	Status            string     `json:"status"`
	DeliverBy         time.Time  `json:"deliver_by"`
	DisputeDeadline   time.Time  `json:"dispute_deadline"`
	PriceSnapshot     []byte     `json:"price_snapshot,omitempty"`
	FundedAt          *time.Time `json:"funded_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// OnchainEvent is one confirmed signature in a deal's append-only log.
type OnchainEvent struct {
	ID          int64     `json:"id"`
	DealID      string    `json:"deal_id"`
	Signature   string    `json:"signature"`
	Slot        uint64    `json:"slot"`
	Instruction string    `json:"instruction"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResolveTicket is an arbitration verdict recorded by the external
// arbitration collaborator. The store only reads and lists them; the newest
// ticket per deal is authoritative.
type ResolveTicket struct {
	ID            int64     `json:"id"`
	DealID        string    `json:"deal_id"`
	ArbiterWallet string    `json:"arbiter_wallet"`
	FinalAction   string    `json:"final_action"`
	Confidence    float64   `json:"confidence"`
	RationaleRef  string    `json:"rationale_ref"`
	CreatedAt     time.Time `json:"created_at"`
}

// WalletIdentity is display metadata for a party address.
type WalletIdentity struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store wraps a pgx pool with the deal queries.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewStore builds a Store. metrics may be nil.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger, m *metrics.Metrics) *Store {
	return &Store{pool: pool, logger: logger, metrics: m}
}

// Pool exposes the underlying pool for lifecycle management.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
	}
}

const dealColumns = `id, title, seller_wallet, buyer_wallet, arbiter_wallet, price_amount,
	amount_units, fee_basis_points, deposit_mint, onchain_address,
	vault_token_account, status, deliver_by, dispute_deadline, price_snapshot,
	funded_at, created_at, updated_at`

func scanDeal(row pgx.Row) (*Deal, error) {
	var d Deal
	var amountUnits int64
	var feeBps int32
	err := row.Scan(
		&d.ID, &d.Title, &d.SellerWallet, &d.BuyerWallet, &d.ArbiterWallet, &d.PriceAmount,
		&amountUnits, &feeBps, &d.DepositMint, &d.OnchainAddress,
		&d.VaultTokenAccount, &d.Status, &d.DeliverBy, &d.DisputeDeadline,
		&d.PriceSnapshot, &d.FundedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan deal: %w", err)
	}
	d.AmountUnits = uint64(amountUnits)
	d.FeeBasisPoints = uint16(feeBps)
	return &d, nil
}

// CreateDeal inserts a new deal in status INIT.
func (s *Store) CreateDeal(ctx context.Context, d *Deal) (*Deal, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO deals (
			id, title, seller_wallet, buyer_wallet, arbiter_wallet, price_amount,
			amount_units, fee_basis_points, deposit_mint, onchain_address,
			vault_token_account, status, deliver_by, dispute_deadline, price_snapshot
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,'INIT',$12,$13,$14)
		RETURNING `+dealColumns,
		d.ID, d.Title, d.SellerWallet, d.BuyerWallet, d.ArbiterWallet, d.PriceAmount,
		int64(d.AmountUnits), int32(d.FeeBasisPoints), d.DepositMint,
		d.OnchainAddress, d.VaultTokenAccount, d.DeliverBy, d.DisputeDeadline,
		d.PriceSnapshot,
	)
	created, err := scanDeal(row)
	s.observe("insert", "deals", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("deal %s: %w", d.ID, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create deal %s: %w", d.ID, err)
	}
	return created, nil
}

// GetDeal fetches a deal by id. Returns ErrNotFound when absent.
func (s *Store) GetDeal(ctx context.Context, id string) (*Deal, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	s.observe("select", "deals", start, err)
	return d, err
}

// GetDealByOnchainParties looks a deal up by its derived escrow address plus
// both party wallets. Used to detect an on-chain account whose stored record
// does not match the initiation request.
func (s *Store) GetDealByOnchainParties(ctx context.Context, onchainAddress, seller, buyer string) (*Deal, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE onchain_address = $1 AND seller_wallet = $2 AND buyer_wallet = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		onchainAddress, seller, buyer)
	d, err := scanDeal(row)
	s.observe("select", "deals", start, err)
	return d, err
}

// ListDealsByWallet returns deals where the wallet is seller, buyer or
// arbiter, newest first.
func (s *Store) ListDealsByWallet(ctx context.Context, wallet string) ([]*Deal, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE seller_wallet = $1 OR buyer_wallet = $1 OR arbiter_wallet = $1
		ORDER BY created_at DESC`,
		wallet)
	if err != nil {
		s.observe("select", "deals", start, err)
		return nil, fmt.Errorf("failed to list deals for wallet %s: %w", wallet, err)
	}
	defer rows.Close()
	deals, err := collectDeals(rows)
	s.observe("select", "deals", start, err)
	return deals, err
}

// ListDealsByStatus returns deals whose status is in the given set, oldest
// first. Used by the reconciler to scan deals with pending on-chain legs.
func (s *Store) ListDealsByStatus(ctx context.Context, statuses []string, limit int) ([]*Deal, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE status = ANY($1)
		ORDER BY updated_at ASC
		LIMIT $2`,
		statuses, limit)
	if err != nil {
		s.observe("select", "deals", start, err)
		return nil, fmt.Errorf("failed to list deals by status: %w", err)
	}
	defer rows.Close()
	deals, err := collectDeals(rows)
	s.observe("select", "deals", start, err)
	return deals, err
}

func collectDeals(rows pgx.Rows) ([]*Deal, error) {
	var deals []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deals: %w", err)
	}
	return deals, nil
}

// DeleteDeal removes a deal, restricted to INIT status. Returns ErrNotFound
// when absent and ErrNotDeletable when the deal has progressed past INIT.
func (s *Store) DeleteDeal(ctx context.Context, id string) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM deals WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock deal %s: %w", id, err)
		}
		if status != "INIT" {
			return fmt.Errorf("%w: deal %s is %s", ErrNotDeletable, id, status)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM deals WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete deal %s: %w", id, err)
		}
		return nil
	})
	s.observe("delete", "deals", start, err)
	return err
}

// TransitionDeal atomically moves a deal from one of fromStatuses to
// toStatus and appends the on-chain event, in a single transaction. The row
// is locked first; a status outside fromStatuses fails the transition with
// ErrInvalidTransition and the observed status in the message. fundedAt is
// set only on the first transition into FUNDED.
func (s *Store) TransitionDeal(ctx context.Context, dealID string, fromStatuses []string, toStatus string, event *OnchainEvent) (*Deal, error) {
	start := time.Now()
	var updated *Deal
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM deals WHERE id = $1 FOR UPDATE`, dealID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to lock deal %s: %w", dealID, err)
		}
		ok := false
		for _, from := range fromStatuses {
			if status == from {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: deal %s is %s, cannot move to %s", ErrInvalidTransition, dealID, status, toStatus)
		}

		row := tx.QueryRow(ctx, `
			UPDATE deals
			SET status = $2,
			    funded_at = CASE WHEN $2 = 'FUNDED' AND funded_at IS NULL THEN now() ELSE funded_at END,
			    updated_at = now()
			WHERE id = $1
			RETURNING `+dealColumns,
			dealID, toStatus)
		updated, err = scanDeal(row)
		if err != nil {
			return fmt.Errorf("failed to update deal %s: %w", dealID, err)
		}

		if event != nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO onchain_events (deal_id, signature, slot, instruction)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (deal_id, signature, instruction) DO NOTHING`,
				dealID, event.Signature, int64(event.Slot), event.Instruction)
			if err != nil {
				return fmt.Errorf("failed to append event for deal %s: %w", dealID, err)
			}
		}
		return nil
	})
	s.observe("transition", "deals", start, err)
	if err != nil {
		return nil, err
	}
	s.logger.Info("deal transitioned",
		"deal_id", dealID, "status", toStatus, "instruction", eventInstruction(event))
	return updated, nil
}

func eventInstruction(e *OnchainEvent) string {
	if e == nil {
		return ""
	}
	return e.Instruction
}

// ListEvents returns a deal's on-chain event log, oldest first.
func (s *Store) ListEvents(ctx context.Context, dealID string) ([]*OnchainEvent, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id, deal_id, signature, slot, instruction, created_at
		FROM onchain_events
		WHERE deal_id = $1
		ORDER BY created_at ASC, id ASC`,
		dealID)
	if err != nil {
		s.observe("select", "onchain_events", start, err)
		return nil, fmt.Errorf("failed to list events for deal %s: %w", dealID, err)
	}
	defer rows.Close()
	var events []*OnchainEvent
	for rows.Next() {
		var e OnchainEvent
		var slot int64
		if err := rows.Scan(&e.ID, &e.DealID, &e.Signature, &slot, &e.Instruction, &e.CreatedAt); err != nil {
			s.observe("select", "onchain_events", start, err)
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Slot = uint64(slot)
		events = append(events, &e)
	}
	err = rows.Err()
	s.observe("select", "onchain_events", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// GetLatestResolveTicket returns the newest arbitration ticket for a deal,
// or ErrNotFound when none exists.
func (s *Store) GetLatestResolveTicket(ctx context.Context, dealID string) (*ResolveTicket, error) {
	start := time.Now()
	var t ResolveTicket
	err := s.pool.QueryRow(ctx, `
		SELECT id, deal_id, arbiter_wallet, final_action, confidence, rationale_ref, created_at
		FROM resolve_tickets
		WHERE deal_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		dealID).Scan(&t.ID, &t.DealID, &t.ArbiterWallet, &t.FinalAction, &t.Confidence, &t.RationaleRef, &t.CreatedAt)
	s.observe("select", "resolve_tickets", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get resolve ticket for deal %s: %w", dealID, err)
	}
	return &t, nil
}

// InsertResolveTicket records an arbitration verdict. Used by the operator
// CLI and tests; the service itself only reads tickets.
func (s *Store) InsertResolveTicket(ctx context.Context, t *ResolveTicket) (*ResolveTicket, error) {
	start := time.Now()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO resolve_tickets (deal_id, arbiter_wallet, final_action, confidence, rationale_ref)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		t.DealID, t.ArbiterWallet, t.FinalAction, t.Confidence, t.RationaleRef,
	).Scan(&t.ID, &t.CreatedAt)
	s.observe("insert", "resolve_tickets", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to insert resolve ticket: %w", err)
	}
	return t, nil
}

// UpsertWalletIdentity creates or refreshes a party's display metadata.
// Empty fields keep whatever is already stored.
func (s *Store) UpsertWalletIdentity(ctx context.Context, address, displayName, email string) (*WalletIdentity, error) {
	start := time.Now()
	var w WalletIdentity
	err := s.pool.QueryRow(ctx, `
		INSERT INTO wallet_identities (address, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE wallet_identities.display_name END,
		    email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE wallet_identities.email END,
		    updated_at = now()
		RETURNING address, display_name, email, created_at, updated_at`,
		address, displayName, email,
	).Scan(&w.Address, &w.DisplayName, &w.Email, &w.CreatedAt, &w.UpdatedAt)
	s.observe("upsert", "wallet_identities", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert wallet identity %s: %w", address, err)
	}
	return &w, nil
}

// GetWalletIdentity fetches display metadata for an address.
func (s *Store) GetWalletIdentity(ctx context.Context, address string) (*WalletIdentity, error) {
	start := time.Now()
	var w WalletIdentity
	err := s.pool.QueryRow(ctx, `
		SELECT address, display_name, email, created_at, updated_at
		FROM wallet_identities
		WHERE address = $1`,
		address).Scan(&w.Address, &w.DisplayName, &w.Email, &w.CreatedAt, &w.UpdatedAt)
	s.observe("select", "wallet_identities", start, err)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet identity %s: %w", address, err)
	}
	return &w, nil
}
