// Package pda computes the program-derived addresses that anchor a deal
// on-chain: the escrow state account, the vault authority, and associated
// token accounts. Derivation is pure and deterministic; re-deriving for the
// same deal id must always reproduce the stored address, and the rest of the
// system treats any divergence as a data-integrity failure.
package pda

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/dealid"
)

// Seed prefixes used by the deployed escrow program.
var (
	escrowSeed = []byte("escrow")
	vaultSeed  = []byte("vault")
)

// SchemeKind selects which seed material identifies a deal's escrow account.
type SchemeKind int

const (
	// SchemeDealID seeds the escrow account with the 16-byte deal id. This
	// is the current scheme.
	SchemeDealID SchemeKind = iota
	// SchemeParties seeds the escrow account with seller+buyer+mint. Legacy
	// deployments only; a deal derived under one scheme must never be
	// re-derived under the other.
	SchemeParties
)

func (k SchemeKind) String() string {
	switch k {
	case SchemeDealID:
		return "deal-id"
	case SchemeParties:
		return "parties"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ParseSchemeKind parses a scheme name from configuration.
func ParseSchemeKind(s string) (SchemeKind, error) {
	switch s {
	case "deal-id", "dealid", "":
		return SchemeDealID, nil
	case "parties", "legacy":
		return SchemeParties, nil
	default:
		return 0, fmt.Errorf("unknown pda scheme %q (must be 'deal-id' or 'parties')", s)
	}
}

// Deriver computes deterministic addresses against a fixed program id and a
// fixed seed scheme. The scheme is a deployment-wide choice resolved once at
// startup, never a per-request decision.
type Deriver struct {
	programID solana.PublicKey
	scheme    SchemeKind
}

// NewDeriver creates a Deriver for the given escrow program.
func NewDeriver(programID solana.PublicKey, scheme SchemeKind) *Deriver {
	return &Deriver{programID: programID, scheme: scheme}
}

// ProgramID returns the escrow program address this deriver targets.
func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// Scheme returns the active seed scheme.
func (d *Deriver) Scheme() SchemeKind {
	return d.scheme
}

// EscrowAddress derives the escrow state account for a deal.
//
// Under the deal-id scheme the seeds are ["escrow", dealIDBytes]; under the
// legacy parties scheme they are ["escrow", seller, buyer, mint]. The parties
// are ignored under the deal-id scheme and the deal id is ignored under the
// parties scheme.
func (d *Deriver) EscrowAddress(dealID string, seller, buyer, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	var seeds [][]byte
	switch d.scheme {
	case SchemeDealID:
		idBytes, err := dealid.ToBytes(dealID)
		if err != nil {
			return solana.PublicKey{}, 0, err
		}
		seeds = [][]byte{escrowSeed, idBytes}
	case SchemeParties:
		seeds = [][]byte{escrowSeed, seller.Bytes(), buyer.Bytes(), mint.Bytes()}
	default:
		return solana.PublicKey{}, 0, fmt.Errorf("unknown pda scheme %v", d.scheme)
	}

	addr, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive escrow address: %w", err)
	}
	return addr, bump, nil
}

// VaultAuthority derives the vault authority for an escrow account, with
// seeds ["vault", escrowAddressBytes].
func (d *Deriver) VaultAuthority(escrow solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{vaultSeed, escrow.Bytes()}, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("failed to derive vault authority: %w", err)
	}
	return addr, bump, nil
}

// AssociatedTokenAddress derives the associated token account for an owner
// and mint. Off-curve owners (PDAs such as the vault authority) are valid.
func AssociatedTokenAddress(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address: %w", err)
	}
	return addr, nil
}
