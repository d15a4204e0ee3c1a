/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the engine's domain model from the external API contract,
  allowing field renaming and API evolution without touching the
  engine.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Order totals and discounts travel as JSON strings ("199.90") and are
  parsed into decimal.Decimal at the boundary. Floats never touch money.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: The internal model these project
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mercato/ledger-engine/ledger"
)

// =============================================================================
// MUTATION REQUESTS
// =============================================================================

// ApplyDTO is the generic mutation request: one signed delta against
// one subject. The domain façade endpoints below are sugar over this.
type ApplyDTO struct {
	Domain        string `json:"domain"`
	SubjectID     string `json:"subject_id"`
	Delta         int64  `json:"delta"`
	Reason        string `json:"reason,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`

	// OrderTotal feeds loyalty redemption caps and coupon minimums.
	OrderTotal string `json:"order_total,omitempty"`
}

// SellRequest records a sale of Quantity units.
type SellRequest struct {
	Quantity      int64  `json:"quantity"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// ReceiveRequest records an inbound delivery of Quantity units.
type ReceiveRequest struct {
	Quantity      int64  `json:"quantity"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// AdjustRequest records a signed manual correction.
type AdjustRequest struct {
	Delta         int64  `json:"delta"`
	Reason        string `json:"reason,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// EarnRequest awards loyalty points. Either Points is given directly,
// or OrderTotal is given and the award is computed from the configured
// earn rate.
type EarnRequest struct {
	Points        int64  `json:"points,omitempty"`
	OrderTotal    string `json:"order_total,omitempty"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// RedeemRequest spends loyalty points against an order.
type RedeemRequest struct {
	Points        int64  `json:"points"`
	OrderTotal    string `json:"order_total"`
	ActorID       string `json:"actor_id,omitempty"`
	CorrelationID string `json:"correlation_id"`
}

// CreateCouponRequest defines a new coupon. Code is optional; when
// empty a unique code is generated.
type CreateCouponRequest struct {
	Code          string `json:"code,omitempty"`
	Kind          string `json:"kind"` // "fixed" or "percent"
	Value         string `json:"value"`
	MinPurchase   string `json:"min_purchase,omitempty"`
	UsageLimit    int64  `json:"usage_limit,omitempty"`
	PerActorLimit int64  `json:"per_actor_limit,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"` // RFC3339
}

// ApplyCouponRequest applies a coupon to an order.
type ApplyCouponRequest struct {
	ActorID       string `json:"actor_id"`
	OrderTotal    string `json:"order_total"`
	CorrelationID string `json:"correlation_id"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ApplyResultDTO reports an accepted (or idempotently replayed) mutation.
type ApplyResultDTO struct {
	Outcome          string `json:"outcome"` // "accepted" | "duplicate"
	NewBalance       int64  `json:"new_balance"`
	LedgerEntryID    string `json:"ledger_entry_id"`
	ThresholdCrossed bool   `json:"threshold_crossed,omitempty"`

	// Discount is set for coupon applications and loyalty redemptions.
	Discount string `json:"discount,omitempty"`

	// PointsEarned is set for loyalty earn responses.
	PointsEarned int64 `json:"points_earned,omitempty"`
}

// BalanceDTO represents a subject's balance record.
type BalanceDTO struct {
	Domain           string `json:"domain"`
	SubjectID        string `json:"subject_id"`
	Current          int64  `json:"current"`
	TotalEarned      int64  `json:"total_earned,omitempty"`
	TotalRedeemed    int64  `json:"total_redeemed,omitempty"`
	RestockThreshold int64  `json:"restock_threshold,omitempty"`
	UsageLimit       int64  `json:"usage_limit,omitempty"`
	PerActorLimit    int64  `json:"per_actor_limit,omitempty"`
	Version          int64  `json:"version"`
	UpdatedAt        string `json:"updated_at"`
}

// LedgerEntryDTO represents one audit trail entry.
type LedgerEntryDTO struct {
	ID               string `json:"id"`
	Delta            int64  `json:"delta"`
	ResultingBalance int64  `json:"resulting_balance"`
	Reason           string `json:"reason,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	CorrelationID    string `json:"correlation_id"`
	CreatedAt        string `json:"created_at"`
}

// VerifyDTO reports a ledger replay audit.
type VerifyDTO struct {
	Domain         string `json:"domain"`
	SubjectID      string `json:"subject_id"`
	InitialBalance int64  `json:"initial_balance"`
	LedgerSum      int64  `json:"ledger_sum"`
	Stored         int64  `json:"stored"`
	Consistent     bool   `json:"consistent"`
}

// CouponDTO represents a coupon definition.
type CouponDTO struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Kind          string `json:"kind"`
	Value         string `json:"value"`
	MinPurchase   string `json:"min_purchase,omitempty"`
	UsageLimit    int64  `json:"usage_limit,omitempty"`
	PerActorLimit int64  `json:"per_actor_limit,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	Active        bool   `json:"active"`
	Uses          int64  `json:"uses"`
}

// ErrorResponse is the uniform error body. Rule is machine-readable;
// Error is for humans. The bound fields are present when the rejection
// carries actionable numbers.
type ErrorResponse struct {
	Error   string `json:"error"`
	Rule    string `json:"rule,omitempty"`
	Details string `json:"details,omitempty"`

	Available  *int64 `json:"available,omitempty"`
	MinAllowed *int64 `json:"min_allowed,omitempty"`
	MaxAllowed *int64 `json:"max_allowed,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(r *ledger.BalanceRecord) BalanceDTO {
	return BalanceDTO{
		Domain:           string(r.Domain),
		SubjectID:        string(r.SubjectID),
		Current:          r.Current,
		TotalEarned:      r.TotalEarned,
		TotalRedeemed:    r.TotalRedeemed,
		RestockThreshold: r.RestockThreshold,
		UsageLimit:       r.UsageLimit,
		PerActorLimit:    r.PerActorLimit,
		Version:          r.Version,
		UpdatedAt:        r.UpdatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.LedgerEntry) []LedgerEntryDTO {
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:               e.ID,
			Delta:            e.Delta,
			ResultingBalance: e.ResultingBalance,
			Reason:           e.Reason,
			ActorID:          e.ActorID,
			CorrelationID:    e.CorrelationID,
			CreatedAt:        e.CreatedAt.Format(time.RFC3339),
		}
	}
	return dtos
}

func toApplyResultDTO(res *ledger.ApplyResult) ApplyResultDTO {
	return ApplyResultDTO{
		Outcome:          string(res.Outcome),
		NewBalance:       res.NewBalance,
		LedgerEntryID:    res.LedgerEntryID,
		ThresholdCrossed: res.ThresholdCrossed,
	}
}

// parseMoney parses an optional money string; empty means zero.
func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
