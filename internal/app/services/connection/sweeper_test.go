package connection

import (
	"context"
	"testing"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/storage/memory"
)

func TestSweeperTick(t *testing.T) {
	store := memory.New()
	id, _ := store.CreateIdentity(context.Background(), identity.Identity{Owner: "alice"})
	svc := New(store, store, nil).WithTTL(time.Millisecond)
	sweeper := NewSweeper(store, svc, nil)

	overdue, _, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	svc.WithTTL(time.Hour)
	fresh, _, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	sweeper.tick(context.Background())

	got, _ := store.GetSession(context.Background(), overdue.ID)
	if got.Status != session.StatusExpired {
		t.Fatalf("overdue session must be swept, got %s", got.Status)
	}
	got, _ = store.GetSession(context.Background(), fresh.ID)
	if got.Status != session.StatusPending {
		t.Fatalf("fresh session must be untouched, got %s", got.Status)
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := memory.New()
	sweeper := NewSweeper(store, New(store, store, nil), nil)

	ctx := context.Background()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Second start is a no-op.
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
