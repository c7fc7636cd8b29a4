package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/identity"
	"github.com/poolpilot/walletcore/internal/app/domain/session"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. Status
// transitions are conditional updates inside a single database transaction
// together with their log entry, so a transition and its audit row commit or
// roll back as one.
type Store struct {
	db *sql.DB
}

var _ storage.IdentityStore = (*Store)(nil)
var _ storage.SessionStore = (*Store)(nil)
var _ storage.TransactionStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- IdentityStore -----------------------------------------------------------

func (s *Store) CreateIdentity(ctx context.Context, id identity.Identity) (identity.Identity, error) {
	if id.ID == "" {
		id.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now

	metadataJSON, err := json.Marshal(id.Metadata)
	if err != nil {
		return identity.Identity{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (id, owner, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.ID, id.Owner, metadataJSON, id.CreatedAt, id.UpdatedAt)
	if err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, metadata, created_at, updated_at
		FROM identities
		WHERE id = $1
	`, id)

	var (
		rec         identity.Identity
		metadataRaw []byte
	)
	if err := row.Scan(&rec.ID, &rec.Owner, &metadataRaw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, fmt.Errorf("identity %s: %w", id, domain.ErrNotFound)
		}
		return identity.Identity{}, err
	}
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &rec.Metadata)
	}
	return rec, nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]identity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, metadata, created_at, updated_at
		FROM identities
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []identity.Identity
	for rows.Next() {
		var (
			rec         identity.Identity
			metadataRaw []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Owner, &metadataRaw, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &rec.Metadata)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- SessionStore ------------------------------------------------------------

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_sessions
			(id, identity_id, wallet_address, status, security_level, permissions, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.IdentityID, nullString(sess.WalletAddress), string(sess.Status),
		string(sess.SecurityLevel), pq.Array(sess.Permissions), sess.CreatedAt, sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) TransitionSession(ctx context.Context, sess session.Session, from session.Status) (session.Session, error) {
	sess.UpdatedAt = time.Now().UTC()

	// Same optimistic-concurrency guard as transactions: the WHERE clause
	// on the prior status keeps a stale writer from overwriting a session
	// that moved underneath it.
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallet_sessions
		SET wallet_address = $3, status = $4, security_level = $5, permissions = $6,
		    updated_at = $7, expires_at = $8
		WHERE id = $1 AND status = $2
	`, sess.ID, string(from), nullString(sess.WalletAddress), string(sess.Status),
		string(sess.SecurityLevel), pq.Array(sess.Permissions), sess.UpdatedAt, sess.ExpiresAt)
	if err != nil {
		return session.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM wallet_sessions WHERE id = $1`, sess.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, fmt.Errorf("session %s: %w", sess.ID, domain.ErrNotFound)
		}
		if err != nil {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("session %s is %s, expected %s: %w",
			sess.ID, current, from, domain.ErrInvalidStateTransition)
	}
	return sess, nil
}

const sessionColumns = `
	id, identity_id, wallet_address, status, security_level, permissions, created_at, updated_at, expires_at`

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM wallet_sessions
		WHERE id = $1
	`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, identityID string) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM wallet_sessions
		WHERE identity_id = $1
		ORDER BY created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *Store) ListOverdueSessions(ctx context.Context, now time.Time) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM wallet_sessions
		WHERE expires_at < $1
		  AND status IN ('pending', 'connecting', 'connected')
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess    session.Session
		address sql.NullString
		status  string
		level   string
		perms   pq.StringArray
	)
	if err := row.Scan(&sess.ID, &sess.IdentityID, &address, &status, &level,
		&perms, &sess.CreatedAt, &sess.UpdatedAt, &sess.ExpiresAt); err != nil {
		return session.Session{}, err
	}
	sess.WalletAddress = address.String
	sess.Status = session.Status(status)
	sess.SecurityLevel = session.SecurityLevel(level)
	sess.Permissions = []string(perms)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]session.Session, error) {
	var result []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// --- TransactionStore --------------------------------------------------------

const transactionColumns = `
	id, identity_id, wallet_address, kind, status, amount, source_token, target_token,
	pool_id, legs, simulation, signature, settlement_ref, failure_reason,
	created_at, updated_at, expires_at`

func (s *Store) CreateTransaction(ctx context.Context, tx transaction.Transaction, entry transaction.LogEntry) (transaction.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	legsJSON, simJSON, err := marshalTransactionJSON(tx)
	if err != nil {
		return transaction.Transaction{}, err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transaction.Transaction{}, err
	}
	defer dbTx.Rollback()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, tx.ID, tx.IdentityID, tx.WalletAddress, string(tx.Kind), string(tx.Status), tx.Amount,
		tx.SourceToken, nullString(tx.TargetToken), nullString(tx.PoolID), legsJSON, simJSON,
		nullString(tx.Signature), nullString(tx.SettlementRef), nullString(tx.FailureReason),
		tx.CreatedAt, tx.UpdatedAt, tx.ExpiresAt)
	if err != nil {
		return transaction.Transaction{}, err
	}

	if err := insertLogEntry(ctx, dbTx, tx.ID, tx.Status, entry); err != nil {
		return transaction.Transaction{}, err
	}

	if err := dbTx.Commit(); err != nil {
		return transaction.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) TransitionTransaction(ctx context.Context, tx transaction.Transaction, from transaction.Status, entry transaction.LogEntry) (transaction.Transaction, error) {
	tx.UpdatedAt = time.Now().UTC()

	legsJSON, simJSON, err := marshalTransactionJSON(tx)
	if err != nil {
		return transaction.Transaction{}, err
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transaction.Transaction{}, err
	}
	defer dbTx.Rollback()

	// The WHERE clause on the prior status is the optimistic-concurrency
	// guard: of two racing transitions exactly one sees rows=1.
	result, err := dbTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $3, amount = $4, legs = $5, simulation = $6, signature = $7,
		    settlement_ref = $8, failure_reason = $9, updated_at = $10
		WHERE id = $1 AND status = $2
	`, tx.ID, string(from), string(tx.Status), tx.Amount, legsJSON, simJSON,
		nullString(tx.Signature), nullString(tx.SettlementRef), nullString(tx.FailureReason),
		tx.UpdatedAt)
	if err != nil {
		return transaction.Transaction{}, err
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		var current string
		err := dbTx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, tx.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrNotFound)
		}
		if err != nil {
			return transaction.Transaction{}, err
		}
		return transaction.Transaction{}, fmt.Errorf("transaction %s is %s, expected %s: %w",
			tx.ID, current, from, domain.ErrInvalidStateTransition)
	}

	// Same-status writes update the record without a log row.
	if tx.Status != from {
		if err := insertLogEntry(ctx, dbTx, tx.ID, tx.Status, entry); err != nil {
			return transaction.Transaction{}, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return transaction.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (transaction.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
		}
		return transaction.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, identityID string) ([]transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE identity_id = $1
		ORDER BY created_at
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) ListSubmittedTransactions(ctx context.Context) ([]transaction.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'submitted'
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *Store) ListTransactionLog(ctx context.Context, transactionID string) ([]transaction.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, status, payload, created_at
		FROM transaction_log
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []transaction.LogEntry
	for rows.Next() {
		var (
			entry      transaction.LogEntry
			status     string
			payloadRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.TransactionID, &status, &payloadRaw, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Status = transaction.Status(status)
		if len(payloadRaw) > 0 {
			_ = json.Unmarshal(payloadRaw, &entry.Payload)
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func insertLogEntry(ctx context.Context, dbTx *sql.Tx, txID string, status transaction.Status, entry transaction.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(entry.Payload)
	if err != nil {
		return err
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transaction_log (id, transaction_id, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, txID, string(status), payloadJSON, entry.CreatedAt)
	return err
}

func marshalTransactionJSON(tx transaction.Transaction) ([]byte, []byte, error) {
	legsJSON, err := json.Marshal(tx.Legs)
	if err != nil {
		return nil, nil, err
	}
	var simJSON []byte
	if tx.Simulation != nil {
		simJSON, err = json.Marshal(tx.Simulation)
		if err != nil {
			return nil, nil, err
		}
	}
	return legsJSON, simJSON, nil
}

func scanTransaction(row rowScanner) (transaction.Transaction, error) {
	var (
		tx            transaction.Transaction
		kind, status  string
		targetToken   sql.NullString
		poolID        sql.NullString
		signature     sql.NullString
		settlementRef sql.NullString
		failureReason sql.NullString
		legsRaw       []byte
		simRaw        []byte
	)
	if err := row.Scan(&tx.ID, &tx.IdentityID, &tx.WalletAddress, &kind, &status, &tx.Amount,
		&tx.SourceToken, &targetToken, &poolID, &legsRaw, &simRaw, &signature,
		&settlementRef, &failureReason, &tx.CreatedAt, &tx.UpdatedAt, &tx.ExpiresAt); err != nil {
		return transaction.Transaction{}, err
	}

	tx.Kind = transaction.Kind(kind)
	tx.Status = transaction.Status(status)
	tx.TargetToken = targetToken.String
	tx.PoolID = poolID.String
	tx.Signature = signature.String
	tx.SettlementRef = settlementRef.String
	tx.FailureReason = failureReason.String
	if len(legsRaw) > 0 {
		_ = json.Unmarshal(legsRaw, &tx.Legs)
	}
	if len(simRaw) > 0 {
		var sim transaction.SimulationResult
		if json.Unmarshal(simRaw, &sim) == nil {
			tx.Simulation = &sim
		}
	}
	return tx, nil
}

func collectTransactions(rows *sql.Rows) ([]transaction.Transaction, error) {
	var result []transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
