package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
)

func TestSessionLifecycle(t *testing.T) {
	store := New()
	ctx := context.Background()

	id, err := store.CreateIdentity(ctx, identity.Identity{Owner: "alice"})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}

	sess, err := store.CreateSession(ctx, session.Session{
		IdentityID: id.ID,
		Status:     session.StatusPending,
		ExpiresAt:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected session id to be generated")
	}

	sess.Status = session.StatusConnected
	sess.WalletAddress = "wallet1"
	if _, err := store.TransitionSession(ctx, sess, session.StatusPending); err != nil {
		t.Fatalf("transition session: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusConnected || got.WalletAddress != "wallet1" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTransitionSessionGuards(t *testing.T) {
	store := New()
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, session.Session{
		IdentityID: "i1",
		Status:     session.StatusPending,
		ExpiresAt:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	canceled := sess
	canceled.Status = session.StatusCanceled
	if _, err := store.TransitionSession(ctx, canceled, session.StatusPending); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A writer still holding the pending snapshot must lose.
	stale := sess
	stale.Status = session.StatusConnected
	stale.WalletAddress = "wallet1"
	_, err = store.TransitionSession(ctx, stale, session.StatusPending)
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid state transition, got %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusCanceled || got.WalletAddress != "" {
		t.Fatalf("stale write must not land: %+v", got)
	}

	missing := session.Session{ID: "nope", Status: session.StatusExpired}
	_, err = store.TransitionSession(ctx, missing, session.StatusPending)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOverdueSessions(t *testing.T) {
	store := New()
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	overdue, _ := store.CreateSession(ctx, session.Session{IdentityID: "i1", Status: session.StatusPending, ExpiresAt: past})
	store.CreateSession(ctx, session.Session{IdentityID: "i1", Status: session.StatusPending, ExpiresAt: future})
	terminal, _ := store.CreateSession(ctx, session.Session{IdentityID: "i1", Status: session.StatusCanceled, ExpiresAt: past})

	list, err := store.ListOverdueSessions(ctx, time.Now())
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(list) != 1 || list[0].ID != overdue.ID {
		t.Fatalf("expected only the overdue pending session, got %+v", list)
	}
	_ = terminal
}

func TestTransactionCreateAppendsLog(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx, err := store.CreateTransaction(ctx, transaction.Transaction{
		IdentityID:    "i1",
		WalletAddress: "w1",
		Kind:          transaction.KindSwap,
		Status:        transaction.StatusPending,
		Amount:        100,
		SourceToken:   "USDC",
		TargetToken:   "ETH",
	}, transaction.LogEntry{Payload: map[string]any{"kind": "swap"}})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	entries, err := store.ListTransactionLog(ctx, tx.ID)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Status != transaction.StatusPending {
		t.Fatalf("log status should match record: %s", entries[0].Status)
	}
}

func TestTransitionTransactionGuards(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx, err := store.CreateTransaction(ctx, transaction.Transaction{
		IdentityID:  "i1",
		Kind:        transaction.KindSwap,
		Status:      transaction.StatusPending,
		Amount:      10,
		SourceToken: "USDC",
	}, transaction.LogEntry{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tx.Status = transaction.StatusApproved
	if _, err := store.TransitionTransaction(ctx, tx, transaction.StatusPending, transaction.LogEntry{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// The prior status no longer matches; the conditional write must fail.
	tx.Status = transaction.StatusRejected
	_, err = store.TransitionTransaction(ctx, tx, transaction.StatusPending, transaction.LogEntry{})
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid state transition, got %v", err)
	}

	missing := transaction.Transaction{ID: "nope", Status: transaction.StatusApproved}
	_, err = store.TransitionTransaction(ctx, missing, transaction.StatusPending, transaction.LogEntry{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	entries, _ := store.ListTransactionLog(ctx, tx.ID)
	if len(entries) != 2 {
		t.Fatalf("failed transitions must not log; got %d entries", len(entries))
	}
}

// A write that keeps the status (hash recording, re-simulation) updates the
// record but adds no log row, so the log stays a walk of the state graph.
func TestTransitionTransactionSameStatusSkipsLog(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx, err := store.CreateTransaction(ctx, transaction.Transaction{
		IdentityID:  "i1",
		Kind:        transaction.KindSwap,
		Status:      transaction.StatusSubmitted,
		Amount:      10,
		SourceToken: "USDC",
	}, transaction.LogEntry{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tx.SettlementRef = "0xhash"
	updated, err := store.TransitionTransaction(ctx, tx, transaction.StatusSubmitted, transaction.LogEntry{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if updated.SettlementRef != "0xhash" {
		t.Fatalf("record update must land: %+v", updated)
	}

	entries, _ := store.ListTransactionLog(ctx, tx.ID)
	if len(entries) != 1 {
		t.Fatalf("same-status write must not log; got %d entries", len(entries))
	}
}

func TestTransitionTransactionSingleWinner(t *testing.T) {
	store := New()
	ctx := context.Background()

	tx, err := store.CreateTransaction(ctx, transaction.Transaction{
		IdentityID:  "i1",
		Kind:        transaction.KindSwap,
		Status:      transaction.StatusApproved,
		Amount:      10,
		SourceToken: "USDC",
	}, transaction.LogEntry{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	losses := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt := tx
			attempt.Status = transaction.StatusSubmitted
			if _, err := store.TransitionTransaction(ctx, attempt, transaction.StatusApproved, transaction.LogEntry{}); err != nil {
				losses <- err
				return
			}
			wins <- struct{}{}
		}()
	}
	wg.Wait()
	close(wins)
	close(losses)

	if len(wins) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(wins))
	}
	for err := range losses {
		if !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("losers must see invalid state transition, got %v", err)
		}
	}
}

func TestCloneIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	payload := map[string]any{"kind": "add_liquidity"}
	tx, _ := store.CreateTransaction(ctx, transaction.Transaction{
		IdentityID:  "i1",
		Kind:        transaction.KindAddLiquidity,
		Status:      transaction.StatusPending,
		Amount:      50,
		SourceToken: "USDC",
		TargetToken: "ETH",
		PoolID:      "p1",
		Legs:        []transaction.Leg{{Token: "USDC", Amount: 25}},
	}, transaction.LogEntry{Payload: payload})

	got, _ := store.GetTransaction(ctx, tx.ID)
	got.Legs[0].Amount = 999

	again, _ := store.GetTransaction(ctx, tx.ID)
	if again.Legs[0].Amount != 25 {
		t.Fatal("store must not share leg slices with callers")
	}

	// Mutating the payload map after the write must not reach the log.
	payload["kind"] = "tampered"
	entries, _ := store.ListTransactionLog(ctx, tx.ID)
	if entries[0].Payload["kind"] != "add_liquidity" {
		t.Fatalf("log payload must be isolated from the caller's map: %v", entries[0].Payload)
	}
}
