package chain

import (
	"encoding/json"
	"fmt"
)

// RPCRequest is a JSON-RPC 2.0 request envelope.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int             `json:"id"`
}

// RPCError is the error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Pricing is the current state of a liquidity pool used for leg allocation
// and simulation. Ratios are the pool's token weights; a zero ratio means
// the pool could not report one.
type Pricing struct {
	PoolID       string  `json:"pool_id"`
	TokenARatio  float64 `json:"token_a_ratio"`
	TokenBRatio  float64 `json:"token_b_ratio"`
	Price        float64 `json:"price"`
	LiquidityUSD float64 `json:"liquidity_usd"`
}

// Finality states reported by the network.
const (
	FinalityPending = "pending"
	FinalityFinal   = "final"
	FinalityFailed  = "failed"
)

// Finality is the settlement state of a broadcast transaction.
type Finality struct {
	Status        string `json:"status"`
	SettlementRef string `json:"settlement_ref"`
	Detail        string `json:"detail,omitempty"`
}
