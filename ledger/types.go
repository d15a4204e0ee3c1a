/*
Package ledger provides the core balance-and-ledger engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms for
  maintaining running totals that must never become incorrect under
  concurrent access. Whether the total is product stock, a customer's
  loyalty points, or a coupon's usage count, the same engine handles
  validation, the atomic balance mutation, and the append-only audit
  trail.

KEY CONCEPTS IN THIS FILE (types.go):
  - Domain: Which balance family a subject belongs to (stock/loyalty/coupon)
  - BalanceRecord: Current total plus aggregates, one per subject
  - LedgerEntry: An immutable record of one balance-changing event
  - PolicyDecision: Accept/reject verdict produced by a domain rule-set
  - ApplyRequest/ApplyResult: The coordinator's public contract

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only appended
  2. Single writer path: BalanceRecord.Current is mutated ONLY through
     the Coordinator's compare-and-swap commit
  3. Auditability: Replaying every entry's delta reproduces Current
  4. Type safety: Strong typing for domains and subject identifiers

SEE ALSO:
  - policy.go: PolicyEngine interface and decision helpers
  - coordinator.go: The atomic apply path
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOMAIN - Which balance family a subject belongs to
// =============================================================================

// Domain identifies one of the three balance families. Policy rules,
// default records, and invariants are all selected by Domain.
type Domain string

const (
	DomainStock   Domain = "stock"   // product inventory units
	DomainLoyalty Domain = "loyalty" // customer point balance
	DomainCoupon  Domain = "coupon"  // coupon usage counter
)

// Valid reports whether d names a known domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainStock, DomainLoyalty, DomainCoupon:
		return true
	}
	return false
}

// SubjectID identifies the owner of a balance within a domain:
// a product, a user, or a coupon. A subject is the pair (Domain, SubjectID).
type SubjectID string

// =============================================================================
// BALANCE RECORD - Current total plus aggregates, one per subject
// =============================================================================

// BalanceRecord is the single mutable document per subject.
//
// INVARIANTS (enforced server-side by the conditional update):
//   - stock, loyalty: Current >= 0 always
//   - coupon: Current <= UsageLimit when UsageLimit > 0
//   - Version increments by exactly 1 on every successful mutation
//
// The aggregate fields are domain-specific and zero-valued elsewhere:
// TotalEarned/TotalRedeemed for loyalty, RestockThreshold for stock,
// UsageLimit/PerActorLimit for coupon.
type BalanceRecord struct {
	SubjectID SubjectID
	Domain    Domain
	Current   int64

	// Loyalty aggregates (running totals, always >= 0)
	TotalEarned   int64
	TotalRedeemed int64

	// Stock aggregate: an alert fires when Current crosses at or below it
	RestockThreshold int64

	// Coupon aggregates: 0 means unlimited
	UsageLimit    int64
	PerActorLimit int64

	// Optimistic concurrency token
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Headroom returns how much more can be consumed before an invariant
// would be violated: the current quantity for stock/loyalty, the
// remaining uses for a capped coupon.
func (r BalanceRecord) Headroom() int64 {
	if r.Domain == DomainCoupon {
		if r.UsageLimit <= 0 {
			return -1 // unlimited
		}
		return r.UsageLimit - r.Current
	}
	return r.Current
}

// =============================================================================
// LEDGER ENTRY - Immutable record of one balance-changing event
// =============================================================================

// LedgerEntry records one accepted mutation. Append-only: no entry is
// ever updated or deleted. ResultingBalance is captured at commit time
// so that the history is readable without replay.
type LedgerEntry struct {
	ID               string
	SubjectID        SubjectID
	Domain           Domain
	Delta            int64
	ResultingBalance int64
	Reason           string
	ActorID          string
	CorrelationID    string
	CreatedAt        time.Time
}

// =============================================================================
// POLICY DECISION - Verdict from a domain rule-set (never persisted)
// =============================================================================

// PolicyDecision is returned synchronously by a PolicyEngine. When a
// request is rejected, Reason names the specific violated rule and the
// decision carries the actionable numbers (available quantity, allowed
// range) the caller must surface to the user.
type PolicyDecision struct {
	Accepted bool
	Reason   string

	// CappedDelta, when set, replaces the requested delta (e.g. a policy
	// that trims an award to a maximum). Nil means apply delta as-is.
	CappedDelta *int64

	// ThresholdCrossed marks that this mutation takes the balance across
	// a policy-defined threshold and the Alert Dispatcher should be told.
	ThresholdCrossed bool

	// Numbers for user-facing rejection messages (optional).
	Available  int64
	MinAllowed int64
	MaxAllowed int64
}

// Accept returns an accepting decision.
func Accept() PolicyDecision { return PolicyDecision{Accepted: true} }

// Reject returns a rejecting decision with the violated rule named.
func Reject(reason string) PolicyDecision {
	return PolicyDecision{Accepted: false, Reason: reason}
}

// =============================================================================
// POLICY CONTEXT - Caller-supplied facts the rules need
// =============================================================================

// PolicyContext carries request-scoped facts a policy may consult.
// It is read-only input; policies never mutate it.
type PolicyContext struct {
	// OrderTotal is the monetary total of the order being processed.
	// Required for loyalty redemption caps and coupon minimum purchase.
	OrderTotal decimal.Decimal

	// ActorUsageCount is the acting user's prior usage count for this
	// subject, derived from the ledger by the coordinator before
	// evaluation. Only meaningful for the coupon domain.
	ActorUsageCount int64

	// Coupon terms, supplied by the caller from the coupon catalog.
	// Zero CouponExpiresAt means no expiry; zero CouponMinPurchase
	// means no minimum.
	CouponExpiresAt   time.Time
	CouponMinPurchase decimal.Decimal

	// Now is the evaluation time. Policies use this instead of
	// time.Now() so they stay deterministic and testable.
	Now time.Time
}

// =============================================================================
// APPLY CONTRACT - Coordinator input and output
// =============================================================================

// ApplyRequest asks the coordinator to change one subject's balance.
type ApplyRequest struct {
	Domain    Domain
	SubjectID SubjectID
	Delta     int64

	Reason        string
	ActorID       string
	CorrelationID string

	Context PolicyContext
}

// Outcome classifies the result of an apply.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate" // idempotency hit, prior result returned
)

// ApplyResult is returned on success (including idempotent replays).
// Policy rejections and conflicts are returned as errors; see errors.go.
type ApplyResult struct {
	Outcome       Outcome
	NewBalance    int64
	LedgerEntryID string

	// ThresholdCrossed is propagated so façade code can reflect it;
	// alert dispatch itself already happened asynchronously.
	ThresholdCrossed bool
}

// =============================================================================
// PAGINATION - Ledger query surface
// =============================================================================

// Page bounds a ledger listing. Zero Limit means the store default.
type Page struct {
	Offset int
	Limit  int
}

// DefaultPageLimit bounds unpaginated ledger reads.
const DefaultPageLimit = 100

func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > DefaultPageLimit {
		p.Limit = DefaultPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
