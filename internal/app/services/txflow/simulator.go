package txflow

import (
	"context"
	"fmt"
	"time"

	"github.com/poolpilot/walletcore/internal/app/chain"
	"github.com/poolpilot/walletcore/internal/app/domain"
	"github.com/poolpilot/walletcore/internal/app/domain/transaction"
	"github.com/poolpilot/walletcore/internal/app/notify"
)

// ViabilityThresholdPct is the price impact above which a simulation is
// classified as not viable. The classification informs approval; it does not
// block it.
const ViabilityThresholdPct = 5.0

// Simulate performs a read-only dry run against current pool state. It never
// broadcasts. Repeat calls while the record is non-terminal overwrite the
// stored result; with unchanged external pricing the outcome is identical.
// A definitive network failure moves the transaction to failed; a transient
// one leaves the status untouched.
func (s *Service) Simulate(ctx context.Context, id string) (transaction.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return transaction.Transaction{}, err
	}

	tx, expired, err := s.lazyExpire(ctx, tx)
	if err != nil {
		return transaction.Transaction{}, err
	}
	if expired {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, domain.ErrExpired)
	}

	if tx.Status != transaction.StatusPending && tx.Status != transaction.StatusSimulated {
		return transaction.Transaction{}, fmt.Errorf("cannot simulate transaction in status %s: %w", tx.Status, domain.ErrInvalidStateTransition)
	}

	poolID := tx.PoolID
	if poolID == "" {
		poolID = tx.SourceToken + "/" + tx.TargetToken
	}

	pricing, err := s.network.PoolPricing(ctx, poolID)
	if err != nil {
		s.recordExternalFailure("pool_pricing", err)
		if !domain.Definitive(err) {
			return transaction.Transaction{}, err
		}

		from := tx.Status
		tx.Status = transaction.StatusFailed
		tx.FailureReason = err.Error()
		failed, terr := s.transition(ctx, tx, from, map[string]any{"error": err.Error()})
		if terr != nil {
			return transaction.Transaction{}, terr
		}
		s.notifier.Publish(ctx, notify.Event{
			Kind:          notify.KindFailed,
			IdentityID:    failed.IdentityID,
			TransactionID: failed.ID,
			Status:        string(failed.Status),
			Detail:        failed.FailureReason,
		})
		return failed, err
	}

	result := evaluate(tx, pricing)

	from := tx.Status
	tx.Status = transaction.StatusSimulated
	tx.Simulation = &result
	simulated, err := s.transition(ctx, tx, from, map[string]any{
		"price_impact_pct": result.PriceImpactPct,
		"viable":           result.Viable,
	})
	if err != nil {
		return transaction.Transaction{}, err
	}

	s.log.WithField("transaction_id", simulated.ID).
		WithField("price_impact_pct", result.PriceImpactPct).
		WithField("viable", result.Viable).
		Info("transaction simulated")
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindSimulated,
		IdentityID:    simulated.IdentityID,
		TransactionID: simulated.ID,
		Status:        string(simulated.Status),
	})
	s.notifier.Publish(ctx, notify.Event{
		Kind:          notify.KindNeedsApproval,
		IdentityID:    simulated.IdentityID,
		TransactionID: simulated.ID,
		Status:        string(simulated.Status),
	})
	return simulated, nil
}

// evaluate recomputes expected outputs and price impact from current
// pricing. Deterministic: identical pricing yields an identical result,
// timestamp aside.
func evaluate(tx transaction.Transaction, pricing chain.Pricing) transaction.SimulationResult {
	expected := make(map[string]float64, len(tx.Legs))
	for _, leg := range tx.Legs {
		out := leg.Amount
		if pricing.Price > 0 && leg.Token != tx.SourceToken {
			out = leg.Amount / pricing.Price
		}
		expected[leg.Token] = out
	}

	var impact float64
	if pricing.LiquidityUSD > 0 {
		impact = tx.Amount / pricing.LiquidityUSD * 100
	}
	if impact > 100 {
		impact = 100
	}

	result := transaction.SimulationResult{
		ExpectedOut:    expected,
		PriceImpactPct: impact,
		Viable:         true,
		SimulatedAt:    time.Now().UTC(),
	}
	switch {
	case pricing.LiquidityUSD <= 0:
		result.Viable = false
		result.Reason = "pool liquidity unknown"
	case impact > ViabilityThresholdPct:
		result.Viable = false
		result.Reason = fmt.Sprintf("price impact %.2f%% exceeds %.1f%%", impact, ViabilityThresholdPct)
	}
	return result
}
