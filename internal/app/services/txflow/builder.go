package txflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/notify"
)

// PrepareRequest carries the inputs for building a transaction. The
// recommendation engine supplies pool id and amount; the identity comes from
// the caller.
type PrepareRequest struct {
	IdentityID    string
	WalletAddress string
	Kind          transaction.Kind
	Amount        float64
	SourceToken   string
	TargetToken   string
	PoolID        string
}

// Prepare validates the request, allocates the amount across legs using the
// pool's current price ratio, and persists a new pending transaction.
// Nothing is persisted when validation fails.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (transaction.Transaction, error) {
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	req.WalletAddress = strings.TrimSpace(req.WalletAddress)
	req.SourceToken = strings.TrimSpace(strings.ToUpper(req.SourceToken))
	req.TargetToken = strings.TrimSpace(strings.ToUpper(req.TargetToken))
	req.PoolID = strings.TrimSpace(req.PoolID)

	if err := validatePrepare(req); err != nil {
		return transaction.Transaction{}, err
	}
	if _, err := s.identities.GetIdentity(ctx, req.IdentityID); err != nil {
		return transaction.Transaction{}, err
	}

	legs, err := s.allocateLegs(ctx, req)
	if err != nil {
		return transaction.Transaction{}, err
	}

	now := time.Now().UTC()
	tx := transaction.Transaction{
		ID:            uuid.NewString(),
		IdentityID:    req.IdentityID,
		WalletAddress: req.WalletAddress,
		Kind:          req.Kind,
		Status:        transaction.StatusPending,
		Amount:        req.Amount,
		SourceToken:   req.SourceToken,
		TargetToken:   req.TargetToken,
		PoolID:        req.PoolID,
		Legs:          legs,
		ExpiresAt:     now.Add(s.ttl),
	}

	tx, err = s.store.CreateTransaction(ctx, tx, transaction.LogEntry{Payload: map[string]any{
		"kind": string(tx.Kind),
		"legs": legs,
	}})
	if err != nil {
		return transaction.Transaction{}, err
	}

	if s.collector != nil {
		s.collector.Transition(string(tx.Status))
	}
	s.log.WithField("transaction_id", tx.ID).
		WithField("identity_id", tx.IdentityID).
		WithField("kind", string(tx.Kind)).
		WithField("amount", tx.Amount).
		Info("transaction prepared")
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindPrepared,
		IdentityID:    tx.IdentityID,
		TransactionID: tx.ID,
		Status:        string(tx.Status),
	})
	return tx, nil
}

func validatePrepare(req PrepareRequest) error {
	if req.IdentityID == "" {
		return fmt.Errorf("identity_id is required: %w", domain.ErrValidation)
	}
	if req.WalletAddress == "" {
		return fmt.Errorf("wallet_address is required: %w", domain.ErrValidation)
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("unknown transaction kind %q: %w", req.Kind, domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("amount must be positive: %w", domain.ErrValidation)
	}
	if req.SourceToken == "" {
		return fmt.Errorf("source_token is required: %w", domain.ErrValidation)
	}

	switch req.Kind {
	case transaction.KindSwap:
		if req.TargetToken == "" {
			return fmt.Errorf("target_token is required for swap: %w", domain.ErrValidation)
		}
	case transaction.KindAddLiquidity:
		if req.TargetToken == "" {
			return fmt.Errorf("target_token is required for add-liquidity: %w", domain.ErrValidation)
		}
		if req.PoolID == "" {
			return fmt.Errorf("pool_id is required for add-liquidity: %w", domain.ErrValidation)
		}
	case transaction.KindRemoveLiquidity:
		if req.PoolID == "" {
			return fmt.Errorf("pool_id is required for remove-liquidity: %w", domain.ErrValidation)
		}
	}
	return nil
}

// allocateLegs splits the amount across the operation's legs. Liquidity
// operations follow the pool's current ratio; when the pool cannot report
// one, the amount splits evenly and the legs record that rule so audits can
// tell the two apart.
func (s *Service) allocateLegs(ctx context.Context, req PrepareRequest) ([]transaction.Leg, error) {
	if req.Kind == transaction.KindSwap {
		return []transaction.Leg{
			{Token: req.SourceToken, Amount: req.Amount, RatioSource: transaction.RatioSourcePool},
		}, nil
	}

	pricing, err := s.network.PoolPricing(ctx, req.PoolID)
	if err != nil {
		s.recordExternalFailure("pool_pricing", err)
		if domain.Definitive(err) {
			return nil, fmt.Errorf("pool %s: %w", req.PoolID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("pool %s: %w", req.PoolID, ErrPriceUnavailable)
	}

	secondToken := req.TargetToken
	if secondToken == "" {
		// remove-liquidity withdraws both pool tokens; the counterpart
		// token is named by the pool itself.
		secondToken = req.SourceToken
	}

	total := pricing.TokenARatio + pricing.TokenBRatio
	if pricing.TokenARatio <= 0 || pricing.TokenBRatio <= 0 || total <= 0 {
		half := req.Amount / 2
		return []transaction.Leg{
			{Token: req.SourceToken, Amount: half, RatioSource: transaction.RatioSourceEvenSplit},
			{Token: secondToken, Amount: req.Amount - half, RatioSource: transaction.RatioSourceEvenSplit},
		}, nil
	}

	first := req.Amount * pricing.TokenARatio / total
	return []transaction.Leg{
		{Token: req.SourceToken, Amount: first, RatioSource: transaction.RatioSourcePool},
		{Token: secondToken, Amount: req.Amount - first, RatioSource: transaction.RatioSourcePool},
	}, nil
}
