// Package transaction defines the internal transaction record tracked
// through the prepare → simulate → approve → submit → confirm lifecycle,
// and the append-only log reconstructing every transition.
package transaction

import "time"

// Kind is the operation a transaction performs against a pool.
type Kind string

const (
	KindSwap            Kind = "swap"
	KindAddLiquidity    Kind = "add-liquidity"
	KindRemoveLiquidity Kind = "remove-liquidity"
)

// Valid reports whether the kind is one of the supported operations.
func (k Kind) Valid() bool {
	switch k {
	case KindSwap, KindAddLiquidity, KindRemoveLiquidity:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSimulated Status = "simulated"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// transitions is the full state graph. A transition absent from this table
// is invalid; the stores additionally enforce it with conditional updates so
// two racing writers cannot both win.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSimulated, StatusApproved, StatusRejected, StatusExpired, StatusFailed},
	StatusSimulated: {StatusApproved, StatusRejected, StatusExpired, StatusFailed},
	StatusApproved:  {StatusSubmitted},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
}

// CanTransition reports whether from → to is an edge of the state graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition can leave this status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// RatioSource records which pricing rule produced a leg allocation.
type RatioSource string

const (
	RatioSourcePool      RatioSource = "pool"
	RatioSourceEvenSplit RatioSource = "even-split"
)

// Leg is one side of the amount allocation for a liquidity operation.
type Leg struct {
	Token       string      `json:"token"`
	Amount      float64     `json:"amount"`
	RatioSource RatioSource `json:"ratio_source"`
}

// SimulationResult is the stored outcome of a read-only dry run.
type SimulationResult struct {
	ExpectedOut    map[string]float64 `json:"expected_out"`
	PriceImpactPct float64            `json:"price_impact_pct"`
	Viable         bool               `json:"viable"`
	Reason         string             `json:"reason,omitempty"`
	SimulatedAt    time.Time          `json:"simulated_at"`
}

// Transaction is the durable record of one intended fund movement. It is
// never deleted; terminal records remain for audit.
type Transaction struct {
	ID            string
	IdentityID    string
	WalletAddress string
	Kind          Kind
	Status        Status
	Amount        float64
	SourceToken   string
	TargetToken   string // empty for remove-liquidity
	PoolID        string // empty for swap
	Legs          []Leg
	Simulation    *SimulationResult
	Signature     string
	SettlementRef string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// ExpiredAt reports whether the transaction's TTL has elapsed. Only
// pre-approval states observe the TTL; a submitted transaction is settled by
// the chain, not by a clock.
func (t Transaction) ExpiredAt(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// LogEntry is one row of the append-only transaction log.
type LogEntry struct {
	ID            string
	TransactionID string
	Status        Status
	Payload       map[string]any
	CreatedAt     time.Time
}
