package storage

import (
	"context"
	"time"

	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
)

// IdentityStore persists identity records.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, id identity.Identity) (identity.Identity, error)
	GetIdentity(ctx context.Context, id string) (identity.Identity, error)
	ListIdentities(ctx context.Context) ([]identity.Identity, error)
}

// SessionStore persists wallet-connection sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, sess session.Session) (session.Session, error)
	// TransitionSession writes the full record conditioned on the row still
	// being in the from status, so a stale writer can never overwrite a
	// session that moved underneath it. Returns
	// domain.ErrInvalidStateTransition when the condition fails and
	// domain.ErrNotFound when the session does not exist.
	TransitionSession(ctx context.Context, sess session.Session, from session.Status) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context, identityID string) ([]session.Session, error)
	// ListOverdueSessions returns non-terminal sessions whose expiry has
	// passed at the given instant. Used by the sweeper; reads remain the
	// authoritative expiry check.
	ListOverdueSessions(ctx context.Context, now time.Time) ([]session.Session, error)
}

// TransactionStore persists transactions and their append-only log. Every
// status change commits together with its log entry; a transition that is
// not logged is not applied.
type TransactionStore interface {
	// CreateTransaction persists a new record and its initial log entry
	// atomically.
	CreateTransaction(ctx context.Context, tx transaction.Transaction, entry transaction.LogEntry) (transaction.Transaction, error)
	// TransitionTransaction writes the full record conditioned on the row
	// still being in the from status, and appends the log entry in the same
	// commit. A same-status write (hash recording, re-simulation) updates
	// the record without adding a log row, so the log stays a walk of the
	// state graph. Returns domain.ErrInvalidStateTransition when the
	// condition fails and domain.ErrNotFound when the record does not
	// exist.
	TransitionTransaction(ctx context.Context, tx transaction.Transaction, from transaction.Status, entry transaction.LogEntry) (transaction.Transaction, error)
	GetTransaction(ctx context.Context, id string) (transaction.Transaction, error)
	ListTransactions(ctx context.Context, identityID string) ([]transaction.Transaction, error)
	ListTransactionLog(ctx context.Context, transactionID string) ([]transaction.LogEntry, error)
	// ListSubmittedTransactions returns records awaiting finality, for the
	// confirmation worker's re-checks.
	ListSubmittedTransactions(ctx context.Context) ([]transaction.Transaction, error)
}
