package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poolpilot/walletcore/internal/app/domain"
)

func rpcServer(t *testing.T, handler func(req RPCRequest) RPCResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req RPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		resp := handler(req)
		resp.JSONRPC = "2.0"
		resp.ID = req.ID
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestPoolPricing(t *testing.T) {
	server := rpcServer(t, func(req RPCRequest) RPCResponse {
		if req.Method != "getpoolpricing" {
			t.Fatalf("unexpected method %s", req.Method)
		}
		raw, _ := json.Marshal(Pricing{PoolID: "p1", TokenARatio: 0.6, TokenBRatio: 0.4, Price: 2000, LiquidityUSD: 1e6})
		return RPCResponse{Result: raw}
	})
	defer server.Close()

	client, err := NewClient(Config{RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	pricing, err := client.PoolPricing(context.Background(), "p1")
	if err != nil {
		t.Fatalf("pool pricing: %v", err)
	}
	if pricing.TokenARatio != 0.6 || pricing.Price != 2000 {
		t.Fatalf("unexpected pricing: %+v", pricing)
	}
}

func TestBroadcastAndFinality(t *testing.T) {
	server := rpcServer(t, func(req RPCRequest) RPCResponse {
		switch req.Method {
		case "broadcasttransaction":
			raw, _ := json.Marshal("0xabc")
			return RPCResponse{Result: raw}
		case "gettransactionstatus":
			raw, _ := json.Marshal(Finality{Status: FinalityFinal, SettlementRef: "0xabc"})
			return RPCResponse{Result: raw}
		default:
			t.Fatalf("unexpected method %s", req.Method)
			return RPCResponse{}
		}
	})
	defer server.Close()

	client, _ := NewClient(Config{RPCURL: server.URL})

	hash, err := client.Broadcast(context.Background(), []byte(`{"tx":1}`))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if hash != "0xabc" {
		t.Fatalf("unexpected hash %s", hash)
	}

	fin, err := client.Finality(context.Background(), hash)
	if err != nil {
		t.Fatalf("finality: %v", err)
	}
	if fin.Status != FinalityFinal || fin.SettlementRef != "0xabc" {
		t.Fatalf("unexpected finality: %+v", fin)
	}
}

func TestNodeErrorIsDefinitive(t *testing.T) {
	server := rpcServer(t, func(req RPCRequest) RPCResponse {
		return RPCResponse{Error: &RPCError{Code: -100, Message: "unknown pool"}}
	})
	defer server.Close()

	client, _ := NewClient(Config{RPCURL: server.URL})

	_, err := client.PoolPricing(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.Definitive(err) {
		t.Fatalf("node errors are definitive, got %v", err)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	server := rpcServer(t, func(req RPCRequest) RPCResponse { return RPCResponse{} })
	server.Close() // connection refused from here on

	client, _ := NewClient(Config{RPCURL: server.URL})

	_, err := client.PoolPricing(context.Background(), "p1")
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.Definitive(err) {
		t.Fatalf("transport errors are transient, got %v", err)
	}
}
