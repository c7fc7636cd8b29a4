// Package chain provides the JSON-RPC client for the blockchain network
// layer: pool pricing, broadcast and finality. These are the only remote
// calls the lifecycle engine makes to the chain; each one is context-bound
// and independently timed out.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain"
)

// Client talks JSON-RPC to the network node.
type Client struct {
	rpcURL     string
	httpClient *http.Client
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	Timeout time.Duration
}

// NewClient creates a network client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Call makes a JSON-RPC call to the node. Transport and decode failures are
// transient external errors; an error object returned by the node is a
// definitive one.
func (c *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &domain.ExternalError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ExternalError{Op: method, Err: err}
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, &domain.ExternalError{Op: method, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	if rpcResp.Error != nil {
		return nil, &domain.ExternalError{Op: method, Definitive: true, Err: rpcResp.Error}
	}

	return rpcResp.Result, nil
}

// PoolPricing returns current pricing for a liquidity pool.
func (c *Client) PoolPricing(ctx context.Context, poolID string) (Pricing, error) {
	result, err := c.Call(ctx, "getpoolpricing", []any{poolID})
	if err != nil {
		return Pricing{}, err
	}

	var pricing Pricing
	if err := json.Unmarshal(result, &pricing); err != nil {
		return Pricing{}, &domain.ExternalError{Op: "getpoolpricing", Err: err}
	}
	return pricing, nil
}

// Broadcast sends a signed payload to the network and returns its hash.
func (c *Client) Broadcast(ctx context.Context, payload []byte) (string, error) {
	result, err := c.Call(ctx, "broadcasttransaction", []any{string(payload)})
	if err != nil {
		return "", err
	}

	var hash string
	if err := json.Unmarshal(result, &hash); err != nil {
		return "", &domain.ExternalError{Op: "broadcasttransaction", Err: err}
	}
	return hash, nil
}

// Finality reports the settlement state of a broadcast transaction.
func (c *Client) Finality(ctx context.Context, ref string) (Finality, error) {
	result, err := c.Call(ctx, "gettransactionstatus", []any{ref})
	if err != nil {
		return Finality{}, err
	}

	var fin Finality
	if err := json.Unmarshal(result, &fin); err != nil {
		return Finality{}, &domain.ExternalError{Op: "gettransactionstatus", Err: err}
	}
	return fin, nil
}
