package solana

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// endpointClient is the per-endpoint surface the pool drives. It exists so
// tests can substitute a scripted endpoint without a network.
type endpointClient interface {
	GetCheckpoint(ctx context.Context) (Checkpoint, error)
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
	Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)
}

// rpcEndpoint adapts a gagliardetto rpc.Client to the endpointClient surface.
type rpcEndpoint struct {
	client *rpc.Client
}

// newRPCEndpoint dials a single RPC endpoint.
func newRPCEndpoint(url string) *rpcEndpoint {
	return &rpcEndpoint{client: rpc.New(url)}
}

func (e *rpcEndpoint) GetCheckpoint(ctx context.Context) (Checkpoint, error) {
	out, err := e.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return Checkpoint{}, fmt.Errorf("empty blockhash response")
	}
	return Checkpoint{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

func (e *rpcEndpoint) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error) {
	out, err := e.client.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account info for %s: %w", addr, err)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	info := &AccountInfo{
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
	}
	if out.Value.Data != nil {
		info.Data = out.Value.Data.GetBinary()
	}
	return info, nil
}

func (e *rpcEndpoint) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := e.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &SignatureStatus{Found: false}, nil
	}
	st := out.Value[0]
	return &SignatureStatus{
		Found:              true,
		Slot:               st.Slot,
		ConfirmationStatus: string(st.ConfirmationStatus),
		Err:                st.Err,
	}, nil
}

func (e *rpcEndpoint) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := e.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (e *rpcEndpoint) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	out, err := e.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to simulate transaction: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, fmt.Errorf("empty simulation response")
	}
	res := &SimulationResult{
		Success: out.Value.Err == nil,
		Logs:    out.Value.Logs,
	}
	if out.Value.UnitsConsumed != nil {
		res.ConsumedUnits = *out.Value.UnitsConsumed
	}
	if out.Value.Err != nil {
		res.ErrorDetail = fmt.Sprintf("%v", out.Value.Err)
	}
	return res, nil
}
