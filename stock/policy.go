/*
Package stock encodes the inventory rule-set.

PURPOSE:
  Validates stock mutations: sales must never drive quantity negative,
  and a sale that takes quantity to or below the restock threshold
  flags a threshold crossing for the Alert Dispatcher.

RULES:
  - delta < 0 (sale): reject when current + delta < 0, reporting the
    actual available quantity at rejection time
  - delta > 0 (receive/return/manual adjustment): always accepted
  - delta == 0: rejected, a no-op mutation is a caller bug
  - ThresholdCrossed only on a true downward crossing (previous balance
    above the threshold, new balance at or below it), so the alert
    fires once per crossing rather than once per sale below the line

SEE ALSO:
  - ledger/coordinator.go: re-runs this policy after every lost race,
    which is what turns an optimistic oversell into an honest rejection
*/
package stock

import (
	"fmt"

	"github.com/mercato/ledger-engine/ledger"
)

// Rejection rules reported to callers.
const (
	RuleInsufficientStock = "insufficient_stock"
	RuleZeroDelta         = "zero_delta"
)

// Reason codes recorded in the ledger by the façade.
const (
	ReasonSale    = "sale"
	ReasonReceive = "restock"
	ReasonReturn  = "return"
	ReasonManual  = "manual"
)

// Policy is the stock rule-set. The zero value is usable: new products
// materialize with zero stock and DefaultRestockThreshold.
type Policy struct {
	// DefaultRestockThreshold seeds lazily materialized records.
	DefaultRestockThreshold int64
}

var _ ledger.PolicyEngine = (*Policy)(nil)

// Evaluate applies the stock rules to a proposed delta.
func (p *Policy) Evaluate(record ledger.BalanceRecord, delta int64, _ ledger.PolicyContext) ledger.PolicyDecision {
	if delta == 0 {
		return ledger.Reject(RuleZeroDelta)
	}

	next := record.Current + delta
	if next < 0 {
		d := ledger.Reject(RuleInsufficientStock)
		d.Available = record.Headroom()
		return d
	}

	decision := ledger.Accept()
	if record.RestockThreshold > 0 &&
		record.Current > record.RestockThreshold &&
		next <= record.RestockThreshold {
		decision.ThresholdCrossed = true
	}
	return decision
}

// Defaults materializes a product record with empty stock. Opening
// quantities arrive as explicit receive entries so the ledger explains
// the full balance.
func (p *Policy) Defaults(subjectID ledger.SubjectID) ledger.BalanceRecord {
	return ledger.BalanceRecord{
		SubjectID:        subjectID,
		Domain:           ledger.DomainStock,
		Current:          0,
		RestockThreshold: p.DefaultRestockThreshold,
	}
}

// RejectionMessage renders a user-facing message for a stock rejection.
func RejectionMessage(err *ledger.RejectionError) string {
	switch err.Rule {
	case RuleInsufficientStock:
		return fmt.Sprintf("only %d unit(s) available", err.Available)
	default:
		return err.Message
	}
}
