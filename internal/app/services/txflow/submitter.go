package txflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poolpilot/walletcore/internal/app/chain"
	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/notify"
)

// Receipt reports the outcome of a submission.
type Receipt struct {
	TransactionID string `json:"transaction_id"`
	TxHash        string `json:"tx_hash,omitempty"`
	Status        string `json:"status"`
}

// Submit moves an approved transaction to submitted and broadcasts the
// signed payload. The approved → submitted write is conditioned on the row
// still being approved, so of two racing submits exactly one wins; the loser
// gets domain.ErrInvalidStateTransition. A definitive broadcast rejection
// moves the record to failed; a transient one leaves it submitted for the
// confirmation worker to settle, because the payload may have reached the
// network.
func (s *Service) Submit(ctx context.Context, id, identityID, signature string) (Receipt, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return Receipt{}, fmt.Errorf("signature is required: %w", domain.ErrValidation)
	}

	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if err := requireOwner(tx, identityID); err != nil {
		return Receipt{}, err
	}
	if tx.Status != transaction.StatusApproved {
		return Receipt{}, fmt.Errorf("transaction %s is %s, submit requires approved: %w", tx.ID, tx.Status, domain.ErrInvalidStateTransition)
	}

	payload, err := json.Marshal(SignRequest{
		TransactionID: tx.ID,
		WalletAddress: tx.WalletAddress,
		Kind:          string(tx.Kind),
		Amount:        tx.Amount,
		Legs:          tx.Legs,
		PoolID:        tx.PoolID,
	})
	if err != nil {
		return Receipt{}, err
	}

	// Claim the record before touching the network: the conditional write
	// is what makes double submission impossible.
	tx.Status = transaction.StatusSubmitted
	tx.Signature = signature
	submitted, err := s.transition(ctx, tx, transaction.StatusApproved, map[string]any{"actor": identityID})
	if err != nil {
		return Receipt{}, err
	}
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindSubmitted,
		IdentityID:    submitted.IdentityID,
		TransactionID: submitted.ID,
		Status:        string(submitted.Status),
	})

	hash, err := s.network.Broadcast(ctx, payload)
	if err != nil {
		s.recordExternalFailure("broadcast", err)
		if !domain.Definitive(err) {
			// Ambiguous: the payload may be in flight. Stay submitted and
			// let confirmation polling decide.
			s.log.WithError(err).WithField("transaction_id", submitted.ID).
				Warn("broadcast outcome unknown; leaving submitted")
			return Receipt{TransactionID: submitted.ID, Status: string(submitted.Status)}, nil
		}

		submitted.Status = transaction.StatusFailed
		submitted.FailureReason = err.Error()
		failed, terr := s.transition(ctx, submitted, transaction.StatusSubmitted, map[string]any{"error": err.Error()})
		if terr != nil {
			return Receipt{}, terr
		}
		s.notifier.Publish(ctx, notify.Event{
			Kind:          notify.KindFailed,
			IdentityID:    failed.IdentityID,
			TransactionID: failed.ID,
			Status:        string(failed.Status),
			Detail:        failed.FailureReason,
		})
		return Receipt{TransactionID: failed.ID, Status: string(failed.Status)}, err
	}

	// Record the hash on the row. The status does not change, so the store
	// adds no log entry; the hash surfaces again in the confirmed entry's
	// settlement_ref.
	submitted.SettlementRef = hash
	submitted, err = s.store.TransitionTransaction(ctx, submitted, transaction.StatusSubmitted, transaction.LogEntry{})
	if err != nil {
		return Receipt{}, err
	}

	s.log.WithField("transaction_id", submitted.ID).
		WithField("tx_hash", hash).
		Info("transaction broadcast")
	return Receipt{TransactionID: submitted.ID, TxHash: hash, Status: string(submitted.Status)}, nil
}

// Execute runs the signing bridge and submission as one operation: obtain a
// signature through the owner's connected session, then submit. Racing
// executes are resolved by the conditional write inside Submit.
func (s *Service) Execute(ctx context.Context, id, identityID string) (Receipt, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if err := requireOwner(tx, identityID); err != nil {
		return Receipt{}, err
	}

	signature, err := s.RequestSignature(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	return s.Submit(ctx, id, identityID, signature)
}

// AwaitConfirmation polls the network for finality with bounded retries and
// exponential backoff. On finality the record moves to confirmed with the
// settlement reference recorded; on definitive on-chain failure, to failed.
// When retries run out without a definitive answer the record stays
// submitted for a later re-check — a transient error is never read as an
// outcome.
func (s *Service) AwaitConfirmation(ctx context.Context, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}
	if tx.Status != transaction.StatusSubmitted {
		return transaction.Transaction{}, fmt.Errorf("transaction %s is %s, confirmation requires submitted: %w", tx.ID, tx.Status, domain.ErrInvalidStateTransition)
	}

	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		settled, updated, err := s.checkFinality(ctx, tx)
		if err == nil && settled {
			return updated, nil
		}
		if err != nil && domain.Definitive(err) {
			return updated, nil
		}

		if attempt < s.policy.MaxAttempts-1 {
			if err := s.policy.Sleep(ctx, attempt); err != nil {
				return tx, err
			}
		}
	}

	s.log.WithField("transaction_id", tx.ID).
		Info("confirmation attempts exhausted; transaction remains submitted")
	return s.store.GetTransaction(ctx, tx.ID)
}

// checkFinality performs one finality probe and applies its outcome.
// settled reports whether a terminal state was reached.
func (s *Service) checkFinality(ctx context.Context, tx transaction.Transaction) (settled bool, updated transaction.Transaction, err error) {
	ref := tx.SettlementRef
	if ref == "" {
		ref = tx.ID
	}

	fin, err := s.network.Finality(ctx, ref)
	if err != nil {
		s.recordExternalFailure("finality", err)
		if !domain.Definitive(err) {
			return false, tx, err
		}
		failed, terr := s.fail(ctx, tx, err.Error())
		if terr != nil {
			return false, tx, terr
		}
		return true, failed, err
	}

	switch fin.Status {
	case chain.FinalityFinal:
		tx.Status = transaction.StatusConfirmed
		if fin.SettlementRef != "" {
			tx.SettlementRef = fin.SettlementRef
		}
		confirmed, err := s.transition(ctx, tx, transaction.StatusSubmitted, map[string]any{
			"settlement_ref": tx.SettlementRef,
		})
		if err != nil {
			return false, tx, err
		}
		s.log.WithField("transaction_id", confirmed.ID).
			WithField("settlement_ref", confirmed.SettlementRef).
			Info("transaction confirmed")
		s.notifier.Publish(ctx, notify.Event{
			Kind:          notify.KindConfirmed,
			IdentityID:    confirmed.IdentityID,
			TransactionID: confirmed.ID,
			Status:        string(confirmed.Status),
		})
		return true, confirmed, nil

	case chain.FinalityFailed:
		failed, err := s.fail(ctx, tx, fin.Detail)
		if err != nil {
			return false, tx, err
		}
		return true, failed, nil

	default:
		// Still pending on chain.
		return false, tx, nil
	}
}

func (s *Service) fail(ctx context.Context, tx transaction.Transaction, reason string) (transaction.Transaction, error) {
	if reason == "" {
		reason = "rejected on chain"
	}
	tx.Status = transaction.StatusFailed
	tx.FailureReason = reason
	failed, err := s.transition(ctx, tx, transaction.StatusSubmitted, map[string]any{"error": reason})
	if err != nil {
		return transaction.Transaction{}, err
	}

	s.log.WithField("transaction_id", failed.ID).
		WithField("reason", reason).
		Warn("transaction failed on chain")
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindFailed,
		IdentityID:    failed.IdentityID,
		TransactionID: failed.ID,
		Status:        string(failed.Status),
		Detail:        reason,
	})
	return failed, nil
}
