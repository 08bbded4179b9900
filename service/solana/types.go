// Package solana provides the network-facing half of the escrow core: a
// capability interface over Solana RPC, a failover pool with retry and
// circuit-breaking, and the transaction assembler.
package solana

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Checkpoint is a short-lived network state reference (recent blockhash)
// embedded in a transaction for replay protection and expiry.
type Checkpoint struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"last_valid_block_height"`
}

// IsZero reports whether the checkpoint is the empty placeholder.
func (c Checkpoint) IsZero() bool {
	return c.Blockhash.IsZero()
}

// AccountInfo describes an on-chain account. A nil *AccountInfo from
// GetAccountInfo means the account does not exist.
type AccountInfo struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// SignatureStatus describes the confirmation state of a submitted signature.
type SignatureStatus struct {
	Found              bool
	Slot               uint64
	ConfirmationStatus string // "processed", "confirmed" or "finalized"
	Err                any    // non-nil when the transaction failed on-chain
}

// SimulationResult is the outcome of a dry run against the network.
type SimulationResult struct {
	Success       bool
	ConsumedUnits uint64
	Logs          []string
	ErrorDetail   string
}

// NetworkClient is the capability interface the escrow core consumes for all
// network access. The production implementation is the failover Pool; tests
// use MockNetworkClient.
type NetworkClient interface {
	// GetCheckpoint fetches a fresh blockhash and its expiry height.
	GetCheckpoint(ctx context.Context) (Checkpoint, error)

	// GetAccountInfo fetches an account. Returns (nil, nil) when the account
	// does not exist.
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error)

	// GetSignatureStatus looks up the confirmation state of a signature,
	// searching transaction history.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// Submit sends a fully signed transaction.
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// Simulate dry-runs a transaction without committing it.
	Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)
}
