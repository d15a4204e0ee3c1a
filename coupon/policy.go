/*
Package coupon encodes the promotion rule-set and the coupon catalog.

PURPOSE:
  Validates coupon applications. A coupon's balance record counts how
  many times the coupon has been used; each application is a +1 delta.
  The per-user limit is derived from the subject's ledger entries
  filtered by actor - usage history is never embedded in the coupon
  document.

RULES (in rejection-priority order):
  - expired:        now is past the coupon's ExpiresAt
  - usage limit:    current + 1 would exceed UsageLimit (when > 0)
  - per-user limit: the actor's prior ledger entries for this coupon
                    already reach PerActorLimit (when > 0)
  - min purchase:   the order total is below the coupon's MinPurchase

  Each rejection names its specific rule; "invalid coupon" is not an
  acceptable answer to a customer.

SEE ALSO:
  - catalog.go: coupon definitions and unique code generation
  - ledger/coordinator.go: fills PolicyContext.ActorUsageCount from the
    ledger before evaluation
*/
package coupon

import (
	"fmt"

	"github.com/mercato/ledger-engine/ledger"
)

// Rejection rules reported to callers.
const (
	RuleExpired       = "coupon_expired"
	RuleUsageLimit    = "usage_limit_reached"
	RulePerUserLimit  = "per_user_limit_reached"
	RuleBelowMinOrder = "below_min_purchase"
	RuleInvalidDelta  = "invalid_coupon_delta"
)

// ReasonApplied is the ledger reason recorded for each application.
const ReasonApplied = "coupon_applied"

// Policy is the coupon rule-set. It carries no per-coupon state: the
// limits live on the coupon's balance record and the terms arrive in
// the policy context, so evaluation stays pure.
type Policy struct{}

var _ ledger.PolicyEngine = (*Policy)(nil)

// Evaluate applies the coupon rules to a proposed usage increment.
func (p *Policy) Evaluate(record ledger.BalanceRecord, delta int64, pctx ledger.PolicyContext) ledger.PolicyDecision {
	// Usage only ever moves forward, one application at a time.
	if delta != 1 {
		return ledger.Reject(RuleInvalidDelta)
	}

	if !pctx.CouponExpiresAt.IsZero() && pctx.Now.After(pctx.CouponExpiresAt) {
		return ledger.Reject(RuleExpired)
	}

	if record.UsageLimit > 0 && record.Current+1 > record.UsageLimit {
		d := ledger.Reject(RuleUsageLimit)
		d.Available = record.Headroom()
		return d
	}

	if record.PerActorLimit > 0 && pctx.ActorUsageCount >= record.PerActorLimit {
		d := ledger.Reject(RulePerUserLimit)
		d.MaxAllowed = record.PerActorLimit
		return d
	}

	if !pctx.CouponMinPurchase.IsZero() && pctx.OrderTotal.LessThan(pctx.CouponMinPurchase) {
		return ledger.Reject(RuleBelowMinOrder)
	}

	return ledger.Accept()
}

// Defaults materializes an unknown coupon with zero usage and no
// limits. Real coupons get their record seeded by the store in the
// same transaction as the definition; this fallback only exists so the
// engine never dereferences a missing record.
func (p *Policy) Defaults(subjectID ledger.SubjectID) ledger.BalanceRecord {
	return ledger.BalanceRecord{
		SubjectID: subjectID,
		Domain:    ledger.DomainCoupon,
		Current:   0,
	}
}

// RejectionMessage renders a user-facing message for a coupon rejection.
func RejectionMessage(err *ledger.RejectionError) string {
	switch err.Rule {
	case RuleExpired:
		return "coupon has expired"
	case RuleUsageLimit:
		return "coupon usage limit reached"
	case RulePerUserLimit:
		return fmt.Sprintf("coupon may be used at most %d time(s) per customer", err.MaxAllowed)
	case RuleBelowMinOrder:
		return "order total is below the coupon minimum"
	default:
		return err.Message
	}
}
