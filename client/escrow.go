// Package client is the Go client for the escrowd HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meridianlabs/escrowd/service/db"
	"github.com/meridianlabs/escrowd/service/escrow"
)

// Client calls the escrowd API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the given server base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiError is the {error} body returned on failures.
type apiError struct {
	Err string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Err != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, ae.Err)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Initiate creates or re-issues a deal and returns the unsigned transaction.
func (c *Client) Initiate(ctx context.Context, req escrow.InitiateRequest) (*escrow.TxPlan, error) {
	var plan escrow.TxPlan
	if err := c.do(ctx, http.MethodPost, "/actions/initiate", req, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *Client) buildAction(ctx context.Context, action string, body map[string]string) (*escrow.TxPlan, error) {
	var plan escrow.TxPlan
	if err := c.do(ctx, http.MethodPost, "/actions/"+action, body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Fund returns the unsigned funding transaction for the buyer. amount is
// optional; when given the server checks it against the deal.
func (c *Client) Fund(ctx context.Context, dealID, buyerWallet, amount string) (*escrow.TxPlan, error) {
	body := map[string]string{"dealId": dealID, "buyerWallet": buyerWallet}
	if amount != "" {
		body["amount"] = amount
	}
	return c.buildAction(ctx, "fund", body)
}

// Release returns the unsigned release transaction. The buyer requests it;
// the seller signs the returned transaction.
func (c *Client) Release(ctx context.Context, dealID, buyerWallet string) (*escrow.TxPlan, error) {
	return c.buildAction(ctx, "release", map[string]string{"dealId": dealID, "buyerWallet": buyerWallet})
}

// Refund returns the unsigned refund transaction. The seller requests it;
// the buyer signs the returned transaction.
func (c *Client) Refund(ctx context.Context, dealID, sellerWallet string) (*escrow.TxPlan, error) {
	return c.buildAction(ctx, "refund", map[string]string{"dealId": dealID, "sellerWallet": sellerWallet})
}

// OpenDispute returns the unsigned dispute transaction for either party.
func (c *Client) OpenDispute(ctx context.Context, dealID, callerWallet string) (*escrow.TxPlan, error) {
	return c.buildAction(ctx, "open-dispute", map[string]string{"dealId": dealID, "callerWallet": callerWallet})
}

// Resolve asks the server to submit the arbiter verdict for a deal.
func (c *Client) Resolve(ctx context.Context, req escrow.ResolveRequest) (*escrow.ResolveResult, error) {
	var res escrow.ResolveResult
	if err := c.do(ctx, http.MethodPost, "/actions/resolve", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Confirm advances a deal after its signed transaction landed.
func (c *Client) Confirm(ctx context.Context, req escrow.ConfirmRequest) (*db.Deal, error) {
	var resp struct {
		Deal *db.Deal `json:"deal"`
	}
	if err := c.do(ctx, http.MethodPost, "/actions/confirm", req, &resp); err != nil {
		return nil, err
	}
	return resp.Deal, nil
}

// GetDeal fetches a deal with its event log.
func (c *Client) GetDeal(ctx context.Context, dealID string) (*escrow.DealDetail, error) {
	var detail escrow.DealDetail
	if err := c.do(ctx, http.MethodGet, "/actions/deals/"+url.PathEscape(dealID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListDeals fetches all deals involving a wallet.
func (c *Client) ListDeals(ctx context.Context, wallet string) ([]*db.Deal, error) {
	var resp struct {
		Deals []*db.Deal `json:"deals"`
	}
	path := "/actions/deals?wallet=" + url.QueryEscape(wallet)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deals, nil
}

// DeleteDeal removes a deal that never left INIT.
func (c *Client) DeleteDeal(ctx context.Context, dealID string) error {
	return c.do(ctx, http.MethodDelete, "/actions/deals/"+url.PathEscape(dealID), nil, nil)
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
