package solana

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// TxEnvelope is an unsigned transaction handed back to a caller for signing.
// MessageBase64 is the serialized transaction message; the caller signs it
// and submits the result themselves.
type TxEnvelope struct {
	MessageBase64        string `json:"message_base64"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"last_valid_block_height"`
	FeePayer             string `json:"fee_payer"`
}

// Degraded reports whether the envelope was built without a live checkpoint.
// A degraded envelope must be refreshed before it can be signed.
func (e *TxEnvelope) Degraded() bool {
	return e.Blockhash == "" || e.Blockhash == solana.Hash{}.String()
}

// Assembler turns instruction lists into transaction envelopes and back.
type Assembler struct {
	net    NetworkClient
	logger *slog.Logger
}

// NewAssembler builds an Assembler over the given network client.
func NewAssembler(net NetworkClient, logger *slog.Logger) *Assembler {
	return &Assembler{net: net, logger: logger}
}

// BuildTransaction compiles instructions into an unsigned envelope anchored
// to a fresh checkpoint.
func (a *Assembler) BuildTransaction(ctx context.Context, instrs []solana.Instruction, feePayer solana.PublicKey) (*TxEnvelope, error) {
	cp, err := a.net.GetCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	return compile(instrs, feePayer, cp)
}

// BuildPlaceholder compiles instructions with an empty checkpoint. Used when
// the network is unreachable but the caller only needs the message for
// inspection; RefreshBlockhash must be called before signing.
func (a *Assembler) BuildPlaceholder(instrs []solana.Instruction, feePayer solana.PublicKey) (*TxEnvelope, error) {
	a.logger.Warn("building transaction with placeholder checkpoint", "fee_payer", feePayer)
	return compile(instrs, feePayer, Checkpoint{})
}

func compile(instrs []solana.Instruction, feePayer solana.PublicKey, cp Checkpoint) (*TxEnvelope, error) {
	tx, err := solana.NewTransaction(instrs, cp.Blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("failed to compile transaction: %w", err)
	}
	raw, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return &TxEnvelope{
		MessageBase64:        base64.StdEncoding.EncodeToString(raw),
		Blockhash:            cp.Blockhash.String(),
		LastValidBlockHeight: cp.LastValidBlockHeight,
		FeePayer:             feePayer.String(),
	}, nil
}

// decodeMessage parses a base64 transaction message.
func decodeMessage(messageBase64 string) (*solana.Message, error) {
	raw, err := base64.StdEncoding.DecodeString(messageBase64)
	if err != nil {
		return nil, fmt.Errorf("message is not valid base64: %w", err)
	}
	var msg solana.Message
	if err := msg.UnmarshalWithDecoder(bin.NewBinDecoder(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if len(msg.AccountKeys) == 0 {
		return nil, fmt.Errorf("message has no account keys")
	}
	return &msg, nil
}

// decompile reconstructs the instruction list from a compiled message so it
// can be recompiled against a new checkpoint.
func decompile(msg *solana.Message) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(msg.Instructions))
	for _, ci := range msg.Instructions {
		if int(ci.ProgramIDIndex) >= len(msg.AccountKeys) {
			return nil, fmt.Errorf("program index %d out of range", ci.ProgramIDIndex)
		}
		programID := msg.AccountKeys[ci.ProgramIDIndex]
		metas := make(solana.AccountMetaSlice, 0, len(ci.Accounts))
		for _, idx := range ci.Accounts {
			if int(idx) >= len(msg.AccountKeys) {
				return nil, fmt.Errorf("account index %d out of range", idx)
			}
			key := msg.AccountKeys[idx]
			writable, err := msg.IsWritable(key)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve writability of %s: %w", key, err)
			}
			metas = append(metas, &solana.AccountMeta{
				PublicKey:  key,
				IsSigner:   msg.IsSigner(key),
				IsWritable: writable,
			})
		}
		out = append(out, solana.NewInstruction(programID, metas, ci.Data))
	}
	return out, nil
}

// RefreshBlockhash rebuilds an expired envelope against a fresh checkpoint,
// preserving its instructions and fee payer.
func (a *Assembler) RefreshBlockhash(ctx context.Context, messageBase64 string) (*TxEnvelope, error) {
	msg, err := decodeMessage(messageBase64)
	if err != nil {
		return nil, err
	}
	instrs, err := decompile(msg)
	if err != nil {
		return nil, err
	}
	cp, err := a.net.GetCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	return compile(instrs, msg.AccountKeys[0], cp)
}

// Simulate dry-runs an envelope's message without signatures.
func (a *Assembler) Simulate(ctx context.Context, messageBase64 string) (*SimulationResult, error) {
	msg, err := decodeMessage(messageBase64)
	if err != nil {
		return nil, err
	}
	tx := &solana.Transaction{
		Signatures: make([]solana.Signature, msg.Header.NumRequiredSignatures),
		Message:    *msg,
	}
	return a.net.Simulate(ctx, tx)
}

// SignAndSubmit compiles, signs with the given key and submits. Used for the
// arbiter-signed resolution path; party-signed flows go through envelopes.
func (a *Assembler) SignAndSubmit(ctx context.Context, instrs []solana.Instruction, signer solana.PrivateKey) (solana.Signature, error) {
	cp, err := a.net.GetCheckpoint(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch checkpoint: %w", err)
	}
	signerKey := signer.PublicKey()
	tx, err := solana.NewTransaction(instrs, cp.Blockhash, solana.TransactionPayer(signerKey))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to compile transaction: %w", err)
	}
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(signerKey) {
			return &signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	sig, err := a.net.Submit(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	a.logger.Info("transaction submitted", "signature", sig.String(), "signer", signerKey.String())
	return sig, nil
}
