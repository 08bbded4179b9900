package solana

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("3KS2k14CmtnuVv2fvYcvdrNgC94Y11WETBpMUGgXyWZL")
	testPayer   = solana.MustPublicKeyFromBase58("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
	testOther   = solana.MustPublicKeyFromBase58("9yQNdPZ8t6DFJ4mBVSZjEXyoRAeSdoBDsvZnUE47DdAk")
)

func testInstruction() solana.Instruction {
	return solana.NewInstruction(testProgram, solana.AccountMetaSlice{
		solana.Meta(testPayer).WRITE().SIGNER(),
		solana.Meta(testOther).WRITE(),
	}, []byte{1, 2, 3, 4})
}

func testCheckpoint() Checkpoint {
	var h solana.Hash
	h[0] = 0xAB
	return Checkpoint{Blockhash: h, LastValidBlockHeight: 1000}
}

func TestBuildTransaction(t *testing.T) {
	net := &MockNetworkClient{
		GetCheckpointFunc: func(ctx context.Context) (Checkpoint, error) {
			return testCheckpoint(), nil
		},
	}
	asm := NewAssembler(net, testLogger())

	env, err := asm.BuildTransaction(context.Background(), []solana.Instruction{testInstruction()}, testPayer)
	require.NoError(t, err)
	assert.Equal(t, testPayer.String(), env.FeePayer)
	assert.Equal(t, uint64(1000), env.LastValidBlockHeight)
	assert.False(t, env.Degraded())

	raw, err := base64.StdEncoding.DecodeString(env.MessageBase64)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	msg, err := decodeMessage(env.MessageBase64)
	require.NoError(t, err)
	assert.Equal(t, testPayer, msg.AccountKeys[0], "fee payer must be the first account key")
	assert.Equal(t, testCheckpoint().Blockhash, msg.RecentBlockhash)
}

func TestBuildPlaceholderIsDegraded(t *testing.T) {
	asm := NewAssembler(&MockNetworkClient{}, testLogger())

	env, err := asm.BuildPlaceholder([]solana.Instruction{testInstruction()}, testPayer)
	require.NoError(t, err)
	assert.True(t, env.Degraded())
	assert.Equal(t, uint64(0), env.LastValidBlockHeight)
	assert.NotEmpty(t, env.MessageBase64)
}

func TestRefreshBlockhashPreservesInstructions(t *testing.T) {
	first := testCheckpoint()
	second := testCheckpoint()
	second.Blockhash[0] = 0xCD
	second.LastValidBlockHeight = 2000

	cps := []Checkpoint{first, second}
	net := &MockNetworkClient{
		GetCheckpointFunc: func(ctx context.Context) (Checkpoint, error) {
			cp := cps[0]
			if len(cps) > 1 {
				cps = cps[1:]
			}
			return cp, nil
		},
	}
	asm := NewAssembler(net, testLogger())

	env, err := asm.BuildTransaction(context.Background(), []solana.Instruction{testInstruction()}, testPayer)
	require.NoError(t, err)

	refreshed, err := asm.RefreshBlockhash(context.Background(), env.MessageBase64)
	require.NoError(t, err)
	assert.Equal(t, second.Blockhash.String(), refreshed.Blockhash)
	assert.Equal(t, uint64(2000), refreshed.LastValidBlockHeight)
	assert.Equal(t, env.FeePayer, refreshed.FeePayer)

	// Same instructions under a new blockhash: the decoded messages must
	// agree on everything except the blockhash.
	oldMsg, err := decodeMessage(env.MessageBase64)
	require.NoError(t, err)
	newMsg, err := decodeMessage(refreshed.MessageBase64)
	require.NoError(t, err)
	assert.Equal(t, oldMsg.AccountKeys, newMsg.AccountKeys)
	assert.Equal(t, oldMsg.Instructions, newMsg.Instructions)
	assert.NotEqual(t, oldMsg.RecentBlockhash, newMsg.RecentBlockhash)
}

func TestRefreshBlockhashRejectsGarbage(t *testing.T) {
	asm := NewAssembler(&MockNetworkClient{}, testLogger())

	_, err := asm.RefreshBlockhash(context.Background(), "not base64!!!")
	assert.Error(t, err)

	_, err = asm.RefreshBlockhash(context.Background(), base64.StdEncoding.EncodeToString([]byte{0x00}))
	assert.Error(t, err)
}

func TestSimulateEnvelope(t *testing.T) {
	var simulated *solana.Transaction
	net := &MockNetworkClient{
		GetCheckpointFunc: func(ctx context.Context) (Checkpoint, error) {
			return testCheckpoint(), nil
		},
		SimulateFunc: func(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
			simulated = tx
			return &SimulationResult{Success: true, ConsumedUnits: 1234}, nil
		},
	}
	asm := NewAssembler(net, testLogger())

	env, err := asm.BuildTransaction(context.Background(), []solana.Instruction{testInstruction()}, testPayer)
	require.NoError(t, err)

	res, err := asm.Simulate(context.Background(), env.MessageBase64)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, uint64(1234), res.ConsumedUnits)
	require.NotNil(t, simulated)
	assert.Len(t, simulated.Signatures, int(simulated.Message.Header.NumRequiredSignatures))
}

func TestSignAndSubmit(t *testing.T) {
	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	var submitted *solana.Transaction
	wantSig := solana.Signature{1}
	net := &MockNetworkClient{
		GetCheckpointFunc: func(ctx context.Context) (Checkpoint, error) {
			return testCheckpoint(), nil
		},
		SubmitFunc: func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
			submitted = tx
			return wantSig, nil
		},
	}
	asm := NewAssembler(net, testLogger())

	instr := solana.NewInstruction(testProgram, solana.AccountMetaSlice{
		solana.Meta(signer.PublicKey()).WRITE().SIGNER(),
		solana.Meta(testOther).WRITE(),
	}, []byte{9})

	sig, err := asm.SignAndSubmit(context.Background(), []solana.Instruction{instr}, signer)
	require.NoError(t, err)
	assert.Equal(t, wantSig, sig)
	require.NotNil(t, submitted)
	require.NoError(t, submitted.VerifySignatures())
}
