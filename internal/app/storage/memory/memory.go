package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development; the transition guarantees match the postgres store.
type Store struct {
	mu            sync.RWMutex
	identities    map[string]identity.Identity
	sessions      map[string]session.Session
	transactions  map[string]transaction.Transaction
	logsByTx      map[string][]transaction.LogEntry
	sessionOrder  []string
	txOrder       []string
	identityOrder []string
}

var _ storage.IdentityStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		identities:   make(map[string]identity.Identity),
		sessions:     make(map[string]session.Session),
		transactions: make(map[string]transaction.Transaction),
		logsByTx:     make(map[string][]transaction.LogEntry),
	}
}

// IdentityStore implementation ------------------------------------------------

func (s *Store) CreateIdentity(_ context.Context, id identity.Identity) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id.ID == "" {
		id.ID = uuid.NewString()
	} else if _, exists := s.identities[id.ID]; exists {
		return identity.Identity{}, fmt.Errorf("identity %s already exists", id.ID)
	}

	now := time.Now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now
	id.Metadata = cloneMap(id.Metadata)

	s.identities[id.ID] = id
	s.identityOrder = append(s.identityOrder, id.ID)
	return cloneIdentity(id), nil
}

func (s *Store) GetIdentity(_ context.Context, id string) (identity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.identities[id]
	if !ok {
		return identity.Identity{}, fmt.Errorf("identity %s: %w", id, domain.ErrNotFound)
	}
	return cloneIdentity(rec), nil
}

func (s *Store) ListIdentities(_ context.Context) ([]identity.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]identity.Identity, 0, len(s.identityOrder))
	for _, id := range s.identityOrder {
		result = append(result, cloneIdentity(s.identities[id]))
	}
	return result, nil
}

// SessionStore implementation -------------------------------------------------

func (s *Store) CreateSession(_ context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	} else if _, exists := s.sessions[sess.ID]; exists {
		return session.Session{}, fmt.Errorf("session %s already exists", sess.ID)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Permissions = cloneStrings(sess.Permissions)

	s.sessions[sess.ID] = sess
	s.sessionOrder = append(s.sessionOrder, sess.ID)
	return cloneSession(sess), nil
}

func (s *Store) TransitionSession(_ context.Context, sess session.Session, from session.Status) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.sessions[sess.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, domain.ErrNotFound)
	}
	if original.Status != from {
		return session.Session{}, fmt.Errorf("session %s is %s, expected %s: %w",
			sess.ID, original.Status, from, domain.ErrInvalidStateTransition)
	}

	sess.CreatedAt = original.CreatedAt
	sess.UpdatedAt = time.Now().UTC()
	sess.Permissions = cloneStrings(sess.Permissions)

	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return cloneSession(sess), nil
}

func (s *Store) ListSessions(_ context.Context, identityID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []session.Session
	for _, id := range s.sessionOrder {
		sess := s.sessions[id]
		if identityID == "" || sess.IdentityID == identityID {
			result = append(result, cloneSession(sess))
		}
	}
	return result, nil
}

func (s *Store) ListOverdueSessions(_ context.Context, now time.Time) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []session.Session
	for _, id := range s.sessionOrder {
		sess := s.sessions[id]
		if !sess.Status.Terminal() && sess.ExpiredAt(now) {
			result = append(result, cloneSession(sess))
		}
	}
	return result, nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx transaction.Transaction, entry transaction.LogEntry) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	} else if _, exists := s.transactions[tx.ID]; exists {
		return transaction.Transaction{}, fmt.Errorf("transaction %s already exists", tx.ID)
	}

	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	s.transactions[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	s.appendLogLocked(tx.ID, tx.Status, entry)
	return cloneTransaction(tx), nil
}

func (s *Store) TransitionTransaction(_ context.Context, tx transaction.Transaction, from transaction.Status, entry transaction.LogEntry) (transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[tx.ID]
	if !ok {
		return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrNotFound)
	}
	if original.Status != from {
		return transaction.Transaction{}, fmt.Errorf("transaction %s is %s, expected %s: %w",
			tx.ID, original.Status, from, domain.ErrInvalidStateTransition)
	}

	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()

	s.transactions[tx.ID] = tx
	// Same-status writes update the record without a log row.
	if tx.Status != from {
		s.appendLogLocked(tx.ID, tx.Status, entry)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) ListTransactions(_ context.Context, identityID string) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transaction.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if identityID == "" || tx.IdentityID == identityID {
			result = append(result, cloneTransaction(tx))
		}
	}
	return result, nil
}

func (s *Store) ListTransactionLog(_ context.Context, transactionID string) ([]transaction.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.transactions[transactionID]; !ok {
		return nil, fmt.Errorf("transaction %s: %w", transactionID, domain.ErrNotFound)
	}

	entries := s.logsByTx[transactionID]
	result := make([]transaction.LogEntry, len(entries))
	for i, entry := range entries {
		result[i] = cloneLogEntry(entry)
	}
	return result, nil
}

func (s *Store) ListSubmittedTransactions(_ context.Context) ([]transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []transaction.Transaction
	for _, id := range s.txOrder {
		tx := s.transactions[id]
		if tx.Status == transaction.StatusSubmitted {
			result = append(result, cloneTransaction(tx))
		}
	}
	return result, nil
}

func (s *Store) appendLogLocked(txID string, status transaction.Status, entry transaction.LogEntry) {
	entry.TransactionID = txID
	entry.Status = status
	entry.Payload = cloneAnyMap(entry.Payload)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.logsByTx[txID] = append(s.logsByTx[txID], entry)
}

// clone helpers ---------------------------------------------------------------

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneIdentity(id identity.Identity) identity.Identity {
	id.Metadata = cloneMap(id.Metadata)
	return id
}

func cloneSession(sess session.Session) session.Session {
	sess.Permissions = cloneStrings(sess.Permissions)
	return sess
}

func cloneTransaction(tx transaction.Transaction) transaction.Transaction {
	if tx.Legs != nil {
		legs := make([]transaction.Leg, len(tx.Legs))
		copy(legs, tx.Legs)
		tx.Legs = legs
	}
	if tx.Simulation != nil {
		sim := *tx.Simulation
		if sim.ExpectedOut != nil {
			out := make(map[string]float64, len(sim.ExpectedOut))
			for k, v := range sim.ExpectedOut {
				out[k] = v
			}
			sim.ExpectedOut = out
		}
		tx.Simulation = &sim
	}
	return tx
}

func cloneLogEntry(entry transaction.LogEntry) transaction.LogEntry {
	entry.Payload = cloneAnyMap(entry.Payload)
	return entry
}
