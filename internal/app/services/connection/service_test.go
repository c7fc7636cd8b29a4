package connection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/storage/memory"
)

func newFixture(t *testing.T) (*Service, *memory.Store, identity.Identity) {
	t.Helper()
	store := memory.New()
	id, err := store.CreateIdentity(context.Background(), identity.Identity{Owner: "alice"})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return New(store, store, nil), store, id
}

func TestCreateSession(t *testing.T) {
	svc, _, id := newFixture(t)

	sess, descriptor, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != session.StatusPending {
		t.Fatalf("new sessions start pending, got %s", sess.Status)
	}
	if sess.WalletAddress != "" {
		t.Fatal("address must be empty until connected")
	}
	if descriptor.URI == "" || descriptor.Code == "" {
		t.Fatalf("descriptor incomplete: %+v", descriptor)
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Fatal("session must carry a future expiry")
	}
}

func TestCreateSessionUnknownIdentity(t *testing.T) {
	svc, _, _ := newFixture(t)

	_, _, err := svc.CreateSession(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkAcceptedConnects(t *testing.T) {
	svc, _, id := newFixture(t)

	sess, _, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	connected, err := svc.MarkAccepted(context.Background(), sess.ID, "wallet1")
	if err != nil {
		t.Fatalf("mark accepted: %v", err)
	}
	if connected.Status != session.StatusConnected {
		t.Fatalf("expected connected, got %s", connected.Status)
	}
	if connected.WalletAddress != "wallet1" {
		t.Fatalf("address not bound: %q", connected.WalletAddress)
	}

	active, err := svc.ActiveSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if active.ID != sess.ID {
		t.Fatalf("active session mismatch: %s", active.ID)
	}
}

// An unaccepted session past its expiry reports expired on the next check,
// with no background sweeper involved.
func TestCheckSessionLazyExpiry(t *testing.T) {
	store := memory.New()
	id, _ := store.CreateIdentity(context.Background(), identity.Identity{Owner: "alice"})
	svc := New(store, store, nil).WithTTL(time.Millisecond)

	sess, _, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	checked, err := svc.CheckSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("check session: %v", err)
	}
	if checked.Status != session.StatusExpired {
		t.Fatalf("expected expired, got %s", checked.Status)
	}

	// Acceptance after expiry must not resurrect the session.
	if _, err := svc.MarkAccepted(context.Background(), sess.ID, "wallet1"); err == nil {
		t.Fatal("accepting an expired session must fail")
	}
}

func TestCheckSessionConsultsProbe(t *testing.T) {
	svc, _, id := newFixture(t)
	svc.WithProbe(probeFunc(func(ctx context.Context, sessionID string) (bool, string, error) {
		return true, "wallet9", nil
	}))

	sess, _, _ := svc.CreateSession(context.Background(), id.ID)

	checked, err := svc.CheckSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("check session: %v", err)
	}
	if checked.Status != session.StatusConnected || checked.WalletAddress != "wallet9" {
		t.Fatalf("probe acceptance not applied: %+v", checked)
	}
}

func TestCancelSessionIdempotent(t *testing.T) {
	svc, _, id := newFixture(t)

	sess, _, _ := svc.CreateSession(context.Background(), id.ID)

	canceled, err := svc.CancelSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != session.StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	again, err := svc.CancelSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("second cancel must be a no-op: %v", err)
	}
	if again.Status != session.StatusCanceled {
		t.Fatalf("terminal status must not change, got %s", again.Status)
	}
}

// A cancel committing between the acceptance read and its write must win:
// the stale write loses the conditional update and the session stays
// canceled, with no address bound.
func TestAcceptanceRaceCannotResurrectCanceledSession(t *testing.T) {
	svc, store, id := newFixture(t)

	sess, _, err := svc.CreateSession(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	stale, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	if _, err := svc.CancelSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err = svc.connect(context.Background(), stale, "wallet1")
	if !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Fatalf("stale acceptance must lose, got %v", err)
	}

	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != session.StatusCanceled || got.WalletAddress != "" {
		t.Fatalf("canceled session must stay canceled: %+v", got)
	}

	if _, err := svc.ActiveSession(context.Background(), id.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("canceled session must never become active, got %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	svc, _, id := newFixture(t)

	sess, _, _ := svc.CreateSession(context.Background(), id.ID)
	if _, err := svc.MarkAccepted(context.Background(), sess.ID, "wallet1"); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	count, err := svc.Disconnect(context.Background(), id.ID)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 disconnected session, got %d", count)
	}

	checked, _ := svc.CheckSession(context.Background(), sess.ID)
	if checked.Status != session.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", checked.Status)
	}
	if checked.WalletAddress != "" {
		t.Fatal("disconnect must clear the bound address")
	}

	if _, err := svc.ActiveSession(context.Background(), id.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no active session should remain, got %v", err)
	}
}

type probeFunc func(ctx context.Context, sessionID string) (bool, string, error)

func (f probeFunc) Accepted(ctx context.Context, sessionID string) (bool, string, error) {
	return f(ctx, sessionID)
}
