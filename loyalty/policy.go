/*
Package loyalty encodes the loyalty point rule-set.

PURPOSE:
  Validates point earning and redemption. Redemption is where customers
  lose money when the math is wrong, so every bound is explicit and the
  rejection carries the allowed range.

REDEMPTION RULES (delta < 0):
  - abs(delta) <= current balance
  - abs(delta) >= MinRedeemPoints
  - abs(delta) <= maxPoints, where
      maxPoints = floor(orderTotal * MaxRedeemPercent / 100 * RedeemRate)
    i.e. the discount implied by the points may not exceed
    MaxRedeemPercent of the order total at RedeemRate points per
    currency unit.

EARNING RULES (delta > 0):
  No cap. The deterministic award for an order is
  EarnedPoints(orderTotal) = floor(orderTotal / PointsPerAmount); the
  checkout flow computes it and passes the result as the delta.

MONEY:
  Order totals are decimal.Decimal end to end. Points are int64; the
  floor happens exactly once, at the decimal -> int64 boundary.
*/
package loyalty

import (
	"fmt"

	"github.com/mercato/ledger-engine/ledger"
	"github.com/shopspring/decimal"
)

// Rejection rules reported to callers.
const (
	RuleInsufficientPoints = "insufficient_points"
	RuleBelowMinimum       = "below_min_redeem"
	RuleExceedsOrderCap    = "exceeds_redeem_cap"
	RuleZeroDelta          = "zero_delta"
)

// Reason codes recorded in the ledger by the façade.
const (
	ReasonEarn         = "earn"
	ReasonRedeem       = "redeem"
	ReasonWelcomeBonus = "welcome_bonus"
	ReasonManual       = "manual"
)

// Policy is the loyalty rule-set plus the earning formula parameters.
type Policy struct {
	// WelcomeBonus seeds a lazily materialized account.
	WelcomeBonus int64

	// MinRedeemPoints is the smallest redemption accepted. Zero
	// disables the minimum.
	MinRedeemPoints int64

	// MaxRedeemPercent caps the discount a redemption may represent,
	// as a percentage of the order total. Zero disables the cap.
	MaxRedeemPercent int64

	// RedeemRate is how many points equal one currency unit of
	// discount. 2 means 2 points = 1 birr off.
	RedeemRate int64

	// PointsPerAmount is the earn divisor: one point per PointsPerAmount
	// currency units spent.
	PointsPerAmount int64

	// MilestoneStep, when > 0, flags a threshold crossing each time the
	// lifetime earned total passes a multiple of it (alerting only,
	// never affects acceptance).
	MilestoneStep int64
}

var _ ledger.PolicyEngine = (*Policy)(nil)

// Evaluate applies the loyalty rules to a proposed delta.
func (p *Policy) Evaluate(record ledger.BalanceRecord, delta int64, pctx ledger.PolicyContext) ledger.PolicyDecision {
	switch {
	case delta == 0:
		return ledger.Reject(RuleZeroDelta)
	case delta > 0:
		return p.evaluateEarn(record, delta)
	default:
		return p.evaluateRedeem(record, -delta, pctx)
	}
}

func (p *Policy) evaluateEarn(record ledger.BalanceRecord, points int64) ledger.PolicyDecision {
	decision := ledger.Accept()
	if p.MilestoneStep > 0 {
		before := record.TotalEarned / p.MilestoneStep
		after := (record.TotalEarned + points) / p.MilestoneStep
		decision.ThresholdCrossed = after > before
	}
	return decision
}

func (p *Policy) evaluateRedeem(record ledger.BalanceRecord, points int64, pctx ledger.PolicyContext) ledger.PolicyDecision {
	if points > record.Current {
		d := ledger.Reject(RuleInsufficientPoints)
		d.Available = record.Headroom()
		d.MaxAllowed = record.Headroom()
		return d
	}
	if p.MinRedeemPoints > 0 && points < p.MinRedeemPoints {
		d := ledger.Reject(RuleBelowMinimum)
		d.MinAllowed = p.MinRedeemPoints
		return d
	}
	if p.MaxRedeemPercent > 0 && p.RedeemRate > 0 {
		max := p.MaxRedeemablePoints(pctx.OrderTotal)
		if points > max {
			d := ledger.Reject(RuleExceedsOrderCap)
			d.MaxAllowed = max
			d.MinAllowed = p.MinRedeemPoints
			return d
		}
	}
	return ledger.Accept()
}

// MaxRedeemablePoints returns the largest redemption the order total
// supports: floor(orderTotal * MaxRedeemPercent / 100 * RedeemRate).
func (p *Policy) MaxRedeemablePoints(orderTotal decimal.Decimal) int64 {
	if p.MaxRedeemPercent <= 0 || p.RedeemRate <= 0 {
		return 0
	}
	return orderTotal.
		Mul(decimal.NewFromInt(p.MaxRedeemPercent)).
		Div(decimal.NewFromInt(100)).
		Mul(decimal.NewFromInt(p.RedeemRate)).
		Floor().
		IntPart()
}

// EarnedPoints returns the deterministic award for an order total:
// floor(orderTotal / PointsPerAmount).
func (p *Policy) EarnedPoints(orderTotal decimal.Decimal) int64 {
	if p.PointsPerAmount <= 0 {
		return 0
	}
	return orderTotal.
		Div(decimal.NewFromInt(p.PointsPerAmount)).
		Floor().
		IntPart()
}

// DiscountValue returns the currency value of a point amount at the
// configured redeem rate.
func (p *Policy) DiscountValue(points int64) decimal.Decimal {
	if p.RedeemRate <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(points).Div(decimal.NewFromInt(p.RedeemRate))
}

// Defaults materializes an account with the welcome bonus.
func (p *Policy) Defaults(subjectID ledger.SubjectID) ledger.BalanceRecord {
	return ledger.BalanceRecord{
		SubjectID: subjectID,
		Domain:    ledger.DomainLoyalty,
		Current:   p.WelcomeBonus,
	}
}

// RejectionMessage renders a user-facing message for a loyalty rejection.
func RejectionMessage(err *ledger.RejectionError) string {
	switch err.Rule {
	case RuleInsufficientPoints:
		return fmt.Sprintf("only %d point(s) available", err.Available)
	case RuleBelowMinimum:
		return fmt.Sprintf("minimum redemption is %d point(s)", err.MinAllowed)
	case RuleExceedsOrderCap:
		return fmt.Sprintf("at most %d point(s) may be redeemed on this order", err.MaxAllowed)
	default:
		return err.Message
	}
}
