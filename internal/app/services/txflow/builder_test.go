package txflow

import (
	"context"
	"errors"
	"testing"

	"github.com/poolpilot/walletcore/internal/app/chain"
	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
)

func TestPrepareSwap(t *testing.T) {
	f := newFlowFixture(t)

	tx := f.prepareSwap(t)
	if tx.Status != transaction.StatusPending {
		t.Fatalf("new transactions start pending, got %s", tx.Status)
	}
	if len(tx.Legs) != 1 {
		t.Fatalf("swap builds a single leg, got %d", len(tx.Legs))
	}
	if tx.Legs[0].Token != "GAS" || tx.Legs[0].Amount != 100 {
		t.Fatalf("unexpected leg: %+v", tx.Legs[0])
	}
	if tx.ExpiresAt.IsZero() {
		t.Fatal("prepared transactions must carry an expiry")
	}

	entries := mustLog(t, f, tx.ID)
	if len(entries) != 1 || entries[0].Status != transaction.StatusPending {
		t.Fatalf("creation must append exactly one pending log entry, got %+v", entries)
	}
}

func TestPrepareValidationPersistsNothing(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  PrepareRequest
	}{
		{"zero amount", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: transaction.KindSwap, Amount: 0, SourceToken: "GAS", TargetToken: "NEO"}},
		{"negative amount", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: transaction.KindSwap, Amount: -5, SourceToken: "GAS", TargetToken: "NEO"}},
		{"unknown kind", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: "stake", Amount: 1, SourceToken: "GAS"}},
		{"swap missing target", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: transaction.KindSwap, Amount: 1, SourceToken: "GAS"}},
		{"add missing pool", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: transaction.KindAddLiquidity, Amount: 1, SourceToken: "GAS", TargetToken: "NEO"}},
		{"remove missing pool", PrepareRequest{IdentityID: f.owner.ID, WalletAddress: "w", Kind: transaction.KindRemoveLiquidity, Amount: 1, SourceToken: "GAS"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Prepare(ctx, tc.req); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	list, err := f.svc.List(ctx, f.owner.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected requests must persist nothing, found %d records", len(list))
	}
}

func TestPrepareUnknownIdentity(t *testing.T) {
	f := newFlowFixture(t)

	_, err := f.svc.Prepare(context.Background(), PrepareRequest{
		IdentityID:    "ghost",
		WalletAddress: "w",
		Kind:          transaction.KindSwap,
		Amount:        1,
		SourceToken:   "GAS",
		TargetToken:   "NEO",
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPrepareLiquidityPoolRatio(t *testing.T) {
	f := newFlowFixture(t)
	f.net.pricing = chain.Pricing{TokenARatio: 3, TokenBRatio: 1, Price: 2, LiquidityUSD: 1_000_000}

	tx, err := f.svc.Prepare(context.Background(), PrepareRequest{
		IdentityID:    f.owner.ID,
		WalletAddress: "wallet1",
		Kind:          transaction.KindAddLiquidity,
		Amount:        100,
		SourceToken:   "GAS",
		TargetToken:   "NEO",
		PoolID:        "gas-neo",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(tx.Legs) != 2 {
		t.Fatalf("liquidity operations build two legs, got %d", len(tx.Legs))
	}
	if tx.Legs[0].Amount != 75 || tx.Legs[1].Amount != 25 {
		t.Fatalf("3:1 ratio must split 75/25, got %v/%v", tx.Legs[0].Amount, tx.Legs[1].Amount)
	}
	for _, leg := range tx.Legs {
		if leg.RatioSource != transaction.RatioSourcePool {
			t.Fatalf("legs must record the pool ratio source, got %s", leg.RatioSource)
		}
	}
}

func TestPrepareEvenSplitFallback(t *testing.T) {
	f := newFlowFixture(t)
	// The pool cannot report a ratio.
	f.net.pricing = chain.Pricing{TokenARatio: 0, TokenBRatio: 0, LiquidityUSD: 1_000_000}

	tx, err := f.svc.Prepare(context.Background(), PrepareRequest{
		IdentityID:    f.owner.ID,
		WalletAddress: "wallet1",
		Kind:          transaction.KindAddLiquidity,
		Amount:        101,
		SourceToken:   "GAS",
		TargetToken:   "NEO",
		PoolID:        "gas-neo",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if tx.Legs[0].Amount+tx.Legs[1].Amount != 101 {
		t.Fatalf("legs must sum to the amount, got %v + %v", tx.Legs[0].Amount, tx.Legs[1].Amount)
	}
	for _, leg := range tx.Legs {
		if leg.RatioSource != transaction.RatioSourceEvenSplit {
			t.Fatalf("fallback legs must record even-split, got %s", leg.RatioSource)
		}
	}
}

func TestPreparePoolErrors(t *testing.T) {
	req := PrepareRequest{
		IdentityID:    "",
		WalletAddress: "wallet1",
		Kind:          transaction.KindRemoveLiquidity,
		Amount:        10,
		SourceToken:   "GAS",
		PoolID:        "gone",
	}

	t.Run("definitive is not found", func(t *testing.T) {
		f := newFlowFixture(t)
		f.net.pricingErr = &domain.ExternalError{Op: "pool_pricing", Definitive: true, Err: errors.New("no such pool")}
		req.IdentityID = f.owner.ID
		if _, err := f.svc.Prepare(context.Background(), req); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("transient is price unavailable", func(t *testing.T) {
		f := newFlowFixture(t)
		f.net.pricingErr = &domain.ExternalError{Op: "pool_pricing", Err: errors.New("timeout")}
		req.IdentityID = f.owner.ID
		if _, err := f.svc.Prepare(context.Background(), req); !errors.Is(err, ErrPriceUnavailable) {
			t.Fatalf("expected price unavailable, got %v", err)
		}
	})
}
