package txflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/notify"
)

// Approve binds the transaction to the owner's explicit consent. It
// authorizes submission but does not trigger signing; the external signing
// step fails independently. Only the owner may approve, and only while the
// record is pending or simulated.
func (s *Service) Approve(ctx context.Context, id, identityID string) (transaction.Transaction, error) {
	tx, err := s.gateCheck(ctx, id, identityID)
	if err != nil {
		return transaction.Transaction{}, err
	}

	from := tx.Status
	tx.Status = transaction.StatusApproved
	approved, err := s.transition(ctx, tx, from, map[string]any{"actor": identityID})
	if err != nil {
		return transaction.Transaction{}, err
	}

	s.log.WithField("transaction_id", approved.ID).
		WithField("identity_id", identityID).
		Info("transaction approved")
	return approved, nil
}

// Reject records the owner's refusal. Terminal: a rejected transaction can
// never be approved afterwards.
func (s *Service) Reject(ctx context.Context, id, identityID, reason string) (transaction.Transaction, error) {
	tx, err := s.gateCheck(ctx, id, identityID)
	if err != nil {
		return transaction.Transaction{}, err
	}

	reason = strings.TrimSpace(reason)
	payload := map[string]any{"actor": identityID}
	if reason != "" {
		payload["reason"] = reason
	}

	from := tx.Status
	tx.Status = transaction.StatusRejected
	tx.FailureReason = reason
	rejected, err := s.transition(ctx, tx, from, payload)
	if err != nil {
		return transaction.Transaction{}, err
	}

	s.log.WithField("transaction_id", rejected.ID).
		WithField("identity_id", identityID).
		Info("transaction rejected")
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindRejected,
		IdentityID:    rejected.IdentityID,
		TransactionID: rejected.ID,
		Status:        string(rejected.Status),
		Detail:        reason,
	})
	return rejected, nil
}

// gateCheck enforces the shared approve/reject preconditions: ownership
// first (no mutation on failure), then lazy expiry, then the state rule.
func (s *Service) gateCheck(ctx context.Context, id, identityID string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if err := requireOwner(tx, identityID); err != nil {
		return transaction.Transaction{}, err
	}

	tx, expired, err := s.lazyExpire(ctx, tx)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if expired {
		return transaction.Transaction{}, fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrExpired)
	}

	if tx.Status != transaction.StatusPending && tx.Status != transaction.StatusSimulated {
		return transaction.Transaction{}, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, domain.ErrInvalidStateTransition)
	}
	return tx, nil
}
