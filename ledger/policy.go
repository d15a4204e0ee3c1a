/*
policy.go - Policy engine interface and registry

PURPOSE:
  A PolicyEngine encodes one domain's business rules as a pure predicate
  over (BalanceRecord, proposedDelta, context). The concrete rule-sets
  live in the stock, loyalty, and coupon packages; this file defines the
  contract and the per-domain registry the coordinator dispatches on.

PURITY CONTRACT:
  Evaluate must be deterministic and side-effect-free: no storage, no
  clocks (time comes in through PolicyContext.Now), no mutation of its
  inputs. This keeps every rule unit-testable without a database and
  guarantees evaluation never suspends.

SEE ALSO:
  - stock/policy.go, loyalty/policy.go, coupon/policy.go: the rule-sets
  - coordinator.go: the only caller
*/
package ledger

import "fmt"

// PolicyEngine validates a proposed balance change for one domain.
type PolicyEngine interface {
	// Evaluate judges the proposed delta against the just-read record.
	// It returns a decision, never an error: anything that can go wrong
	// is a rejection with a named rule.
	Evaluate(record BalanceRecord, delta int64, pctx PolicyContext) PolicyDecision

	// Defaults returns the initial record for a lazily materialized
	// subject in this domain (stock seeded elsewhere, loyalty welcome
	// bonus, coupon zero usage).
	Defaults(subjectID SubjectID) BalanceRecord
}

// =============================================================================
// REGISTRY - Domain -> rule-set
// =============================================================================

// PolicySet maps each domain to its rule-set.
type PolicySet map[Domain]PolicyEngine

// Engine returns the rule-set for a domain or ErrInvalidDomain.
func (ps PolicySet) Engine(domain Domain) (PolicyEngine, error) {
	engine, ok := ps[domain]
	if !ok {
		return nil, fmt.Errorf("no policy engine for %q: %w", domain, ErrInvalidDomain)
	}
	return engine, nil
}
