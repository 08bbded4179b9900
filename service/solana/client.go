package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/meridianlabs/escrowd/service/metrics"
)

const (
	defaultMaxAttempts      = 4
	defaultBaseBackoff      = 250 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultFailureThreshold = 3
	defaultCooldown         = 30 * time.Second
)

// endpointState tracks the health of a single RPC endpoint for the breaker.
type endpointState struct {
	url    string
	client endpointClient

	mu               sync.Mutex
	consecutiveFails int
	excludedUntil    time.Time
}

func (s *endpointState) available(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.excludedUntil)
}

func (s *endpointState) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFails = 0
	s.excludedUntil = time.Time{}
}

// recordFailure counts a transient failure and reports whether it tripped
// the breaker for this endpoint.
func (s *endpointState) recordFailure(threshold int, cooldown time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFails++
	if s.consecutiveFails >= threshold {
		s.excludedUntil = now.Add(cooldown)
		s.consecutiveFails = 0
		return true
	}
	return false
}

// Pool is a NetworkClient that fans requests out over multiple RPC endpoints
// with retry, exponential backoff and a per-endpoint circuit breaker.
// Endpoints that fail repeatedly are excluded for a cooldown period; when
// every endpoint is excluded the pool degrades to trying them anyway rather
// than failing fast.
type Pool struct {
	endpoints []*endpointState
	logger    *slog.Logger
	metrics   *metrics.Metrics

	maxAttempts      int
	baseBackoff      time.Duration
	maxBackoff       time.Duration
	failureThreshold int
	cooldown         time.Duration

	mu   sync.Mutex
	next int
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithMaxAttempts sets the per-call attempt budget.
func WithMaxAttempts(n int) PoolOption {
	return func(p *Pool) { p.maxAttempts = n }
}

// WithBackoff sets backoff bounds for transient retries.
func WithBackoff(base, max time.Duration) PoolOption {
	return func(p *Pool) { p.baseBackoff = base; p.maxBackoff = max }
}

// WithBreaker sets the circuit breaker threshold and cooldown.
func WithBreaker(threshold int, cooldown time.Duration) PoolOption {
	return func(p *Pool) { p.failureThreshold = threshold; p.cooldown = cooldown }
}

// NewPool builds a failover pool over the given RPC endpoint URLs.
func NewPool(urls []string, logger *slog.Logger, m *metrics.Metrics, opts ...PoolOption) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	p := &Pool{
		logger:           logger,
		metrics:          m,
		maxAttempts:      defaultMaxAttempts,
		baseBackoff:      defaultBaseBackoff,
		maxBackoff:       defaultMaxBackoff,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
	}
	for _, u := range urls {
		p.endpoints = append(p.endpoints, &endpointState{url: u, client: newRPCEndpoint(u)})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// newPoolWithEndpoints wires scripted endpoints in for tests.
func newPoolWithEndpoints(eps []*endpointState, logger *slog.Logger, m *metrics.Metrics, opts ...PoolOption) *Pool {
	p := &Pool{
		endpoints:        eps,
		logger:           logger,
		metrics:          m,
		maxAttempts:      defaultMaxAttempts,
		baseBackoff:      time.Millisecond,
		maxBackoff:       time.Millisecond,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// pick selects the next endpoint round-robin, preferring ones whose breaker
// is closed.
func (p *Pool) pick(now time.Time) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.next+i)%n]
		if ep.available(now) {
			p.next = (p.next + i + 1) % n
			return ep
		}
	}
	// All breakers open. Fall back to plain rotation so a recovered
	// endpoint is found as soon as it answers.
	ep := p.endpoints[p.next%n]
	p.next = (p.next + 1) % n
	return ep
}

// do runs fn against successive endpoints until it succeeds, a permanent
// error is returned, or the attempt budget is exhausted.
func (p *Pool) do(ctx context.Context, method string, fn func(context.Context, endpointClient) error) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		ep := p.pick(time.Now())
		start := time.Now()
		err := fn(ctx, ep.client)
		if p.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			p.metrics.RecordRPCCall(method, status, ep.url, time.Since(start).Seconds())
		}
		if err == nil {
			ep.recordSuccess()
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		if isRateLimited(err) && p.metrics != nil {
			p.metrics.RecordRateLimitHit(ep.url)
		}
		if ep.recordFailure(p.failureThreshold, p.cooldown, time.Now()) {
			if p.metrics != nil {
				p.metrics.RecordBreakerTrip(ep.url)
			}
			p.logger.Warn("RPC endpoint excluded after repeated failures",
				"endpoint", ep.url, "cooldown", p.cooldown)
		}
		if p.metrics != nil {
			reason := "transient"
			if isRateLimited(err) {
				reason = "rate_limited"
			}
			p.metrics.RecordRPCRetry(method, reason)
		}
		p.logger.Warn("transient RPC failure, retrying",
			"method", method, "endpoint", ep.url, "attempt", attempt+1, "error", err)
		if attempt < p.maxAttempts-1 {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, p.maxAttempts, lastErr)
}

// backoff returns an exponential delay with jitter, capped at maxBackoff.
func (p *Pool) backoff(attempt int) time.Duration {
	d := p.baseBackoff << uint(attempt)
	if d > p.maxBackoff {
		d = p.maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isTransient classifies an error as retryable. Rate limiting, gateway
// errors, timeouts and connection resets are transient; everything else
// (including on-chain program errors) is permanent.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "too many requests",
		"502", "503", "504",
		"connection reset", "connection refused", "broken pipe",
		"timeout", "temporarily unavailable", "node is behind", "eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// GetCheckpoint implements NetworkClient.
func (p *Pool) GetCheckpoint(ctx context.Context) (Checkpoint, error) {
	var out Checkpoint
	err := p.do(ctx, "getLatestBlockhash", func(ctx context.Context, c endpointClient) error {
		cp, err := c.GetCheckpoint(ctx)
		if err != nil {
			return err
		}
		out = cp
		return nil
	})
	return out, err
}

// GetAccountInfo implements NetworkClient.
func (p *Pool) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*AccountInfo, error) {
	var out *AccountInfo
	err := p.do(ctx, "getAccountInfo", func(ctx context.Context, c endpointClient) error {
		info, err := c.GetAccountInfo(ctx, addr)
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}

// GetSignatureStatus implements NetworkClient.
func (p *Pool) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	var out *SignatureStatus
	err := p.do(ctx, "getSignatureStatuses", func(ctx context.Context, c endpointClient) error {
		st, err := c.GetSignatureStatus(ctx, sig)
		if err != nil {
			return err
		}
		out = st
		return nil
	})
	return out, err
}

// Submit implements NetworkClient.
func (p *Pool) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var out solana.Signature
	err := p.do(ctx, "sendTransaction", func(ctx context.Context, c endpointClient) error {
		sig, err := c.Submit(ctx, tx)
		if err != nil {
			return err
		}
		out = sig
		return nil
	})
	return out, err
}

// Simulate implements NetworkClient.
func (p *Pool) Simulate(ctx context.Context, tx *solana.Transaction) (*SimulationResult, error) {
	var out *SimulationResult
	err := p.do(ctx, "simulateTransaction", func(ctx context.Context, c endpointClient) error {
		res, err := c.Simulate(ctx, tx)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
