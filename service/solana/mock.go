package solana

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MockNetworkClient is a scriptable NetworkClient for tests. Unset function
// fields return zero values.
type MockNetworkClient struct {
	mu sync.Mutex

	GetCheckpointFunc      func(ctx context.Context) (Checkpoint, error)
	GetAccountInfoFunc     func(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error)
	GetSignatureStatusFunc func(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
	SubmitFunc             func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SimulateFunc           func(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error)

	// Calls records the method names invoked, in order.
	Calls []string
}

var _ NetworkClient = (*MockNetworkClient)(nil)

func (m *MockNetworkClient) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, name)
}

// CallCount returns how many times the named method was invoked.
func (m *MockNetworkClient) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *MockNetworkClient) GetCheckpoint(ctx context.Context) (Checkpoint, error) {
	m.record("GetCheckpoint")
	if m.GetCheckpointFunc != nil {
		return m.GetCheckpointFunc(ctx)
	}
	return Checkpoint{}, nil
}

func (m *MockNetworkClient) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error) {
	m.record("GetAccountInfo")
	if m.GetAccountInfoFunc != nil {
		return m.GetAccountInfoFunc(ctx, addr)
	}
	return nil, nil
}

func (m *MockNetworkClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	m.record("GetSignatureStatus")
	if m.GetSignatureStatusFunc != nil {
		return m.GetSignatureStatusFunc(ctx, sig)
	}
	return &SignatureStatus{Found: false}, nil
}

func (m *MockNetworkClient) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	m.record("Submit")
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, tx)
	}
	return solana.Signature{}, nil
}

func (m *MockNetworkClient) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	m.record("Simulate")
	if m.SimulateFunc != nil {
		return m.SimulateFunc(ctx, tx)
	}
	return &SimulationResult{Success: true}, nil
}
