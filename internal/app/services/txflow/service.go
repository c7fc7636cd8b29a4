// Package txflow drives the transaction lifecycle: building an unsigned
// payload, simulating it, gating it on owner approval, obtaining a signature
// through a connected wallet session, and submitting and confirming it on
// chain. Every status change commits together with its audit log entry.
package txflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/poolpilot/walletcore/internal/app/chain"
	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/metrics"
	"github.com/poolpilot/walletcore/internal/app/notify"
	"github.com/poolpilot/walletcore/internal/app/retry"
	"github.com/poolpilot/walletcore/internal/app/services/connection"
	"github.com/poolpilot/walletcore/internal/app/storage"
	"github.com/poolpilot/walletcore/pkg/logger"
)

// DefaultTransactionTTL is how long a prepared transaction stays actionable.
const DefaultTransactionTTL = 30 * time.Minute

// Sentinel errors specific to the flow.
var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrSigningRejected  = errors.New("signing rejected by wallet")
	ErrSigningTimeout   = errors.New("signing timed out")
	ErrNoActiveSession  = errors.New("no active wallet session")
)

// Network is the blockchain layer the flow depends on: pricing for build and
// simulate, broadcast and finality for settlement. All calls are fallible
// remote calls with their own timeouts.
type Network interface {
	PoolPricing(ctx context.Context, poolID string) (chain.Pricing, error)
	Broadcast(ctx context.Context, payload []byte) (string, error)
	Finality(ctx context.Context, ref string) (chain.Finality, error)
}

// Service implements the transaction lifecycle engine.
type Service struct {
	identities storage.IdentityStore
	store      storage.TransactionStore
	sessions   *connection.Service
	network    Network
	signer     Signer
	notifier   notify.Notifier
	collector  *metrics.Collector
	policy     retry.Policy
	ttl        time.Duration
	signingTTL time.Duration
	log        *logger.Logger
}

// New constructs the flow service. The connection broker supplies the live
// session the signing bridge needs.
func New(identities storage.IdentityStore, store storage.TransactionStore, sessions *connection.Service, network Network, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("txflow")
	}
	return &Service{
		identities: identities,
		store:      store,
		sessions:   sessions,
		network:    network,
		notifier:   notify.Noop{},
		policy:     retry.Default(),
		ttl:        DefaultTransactionTTL,
		signingTTL: 90 * time.Second,
		log:        log,
	}
}

// WithSigner attaches the external signing bridge.
func (s *Service) WithSigner(signer Signer) *Service {
	s.signer = signer
	return s
}

// WithNotifier attaches the notification channel.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	if n != nil {
		s.notifier = n
	}
	return s
}

// WithMetrics attaches the metrics collector.
func (s *Service) WithMetrics(c *metrics.Collector) *Service {
	s.collector = c
	return s
}

// WithRetryPolicy overrides the confirmation-polling policy.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	if p.MaxAttempts > 0 {
		s.policy = p
	}
	return s
}

// WithTTL overrides the transaction validity window.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithSigningTimeout overrides the signing bridge timeout. It is independent
// of the transaction TTL.
func (s *Service) WithSigningTimeout(d time.Duration) *Service {
	if d > 0 {
		s.signingTTL = d
	}
	return s
}

// Get returns a transaction, applying lazy expiry first: a record past its
// TTL and still pending or simulated reports expired on this read.
func (s *Service) Get(ctx context.Context, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	tx, _, err = s.lazyExpire(ctx, tx)
	return tx, err
}

// List returns the identity's transactions.
func (s *Service) List(ctx context.Context, identityID string) ([]transaction.Transaction, error) {
	return s.store.ListTransactions(ctx, identityID)
}

// Log returns the append-only status history of a transaction.
func (s *Service) Log(ctx context.Context, id string) ([]transaction.LogEntry, error) {
	return s.store.ListTransactionLog(ctx, id)
}

// lazyExpire transitions an overdue pending/simulated transaction to expired
// and reports whether it did. Submitted and terminal records are untouched;
// settlement is decided by the chain, not by a clock.
func (s *Service) lazyExpire(ctx context.Context, tx transaction.Transaction) (transaction.Transaction, bool, error) {
	if tx.Status != transaction.StatusPending && tx.Status != transaction.StatusSimulated {
		return tx, false, nil
	}
	if !tx.ExpiredAt(time.Now().UTC()) {
		return tx, false, nil
	}

	from := tx.Status
	tx.Status = transaction.StatusExpired
	updated, err := s.transition(ctx, tx, from, map[string]any{"reason": "ttl elapsed"})
	if err != nil {
		// A racing writer may have moved the record first; report what is
		// stored now.
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			current, getErr := s.store.GetTransaction(ctx, tx.ID)
			if getErr == nil {
				return current, false, nil
			}
		}
		return transaction.Transaction{}, false, err
	}

	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindExpired,
		IdentityID:    updated.IdentityID,
		TransactionID: updated.ID,
		Status:        string(updated.Status),
	})
	return updated, true, nil
}

// transition performs the guarded store write and records metrics.
func (s *Service) transition(ctx context.Context, tx transaction.Transaction, from transaction.Status, payload map[string]any) (transaction.Transaction, error) {
	updated, err := s.store.TransitionTransaction(ctx, tx, from, transaction.LogEntry{Payload: payload})
	if err != nil {
		return transaction.Transaction{}, err
	}
	if s.collector != nil {
		s.collector.Transition(string(updated.Status))
	}
	return updated, nil
}

// requireOwner checks that the caller owns the transaction. Authorization
// failures surface before any mutation.
func requireOwner(tx transaction.Transaction, identityID string) error {
	if identityID == "" || tx.IdentityID != identityID {
		return fmt.Errorf("identity %s does not own transaction %s: %w", identityID, tx.ID, domain.ErrUnauthorized)
	}
	return nil
}

func (s *Service) recordExternalFailure(op string, err error) {
	if s.collector == nil {
		return
	}
	kind := "transient"
	if domain.Definitive(err) {
		kind = "definitive"
	}
	s.collector.ExternalFailure(op, kind)
}
