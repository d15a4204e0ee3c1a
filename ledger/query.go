/*
query.go - Read-only query surface

PURPOSE:
  The operations reporting and UI collaborators consume: current
  balance, paginated ledger history, and the integrity audit that
  recomputes a balance from its full ledger.

REPLAY INVARIANT:
  For any subject, initial balance + sum of all entry deltas must equal
  the stored Current. The initial balance is whatever the domain
  materialized the record with (welcome bonus, seeded stock), which is
  why VerifyReport carries it explicitly.
*/
package ledger

import (
	"context"
	"fmt"
)

// Queries exposes the read-only surface over a Store.
type Queries struct {
	store    Store
	policies PolicySet
}

// NewQueries creates the query surface.
func NewQueries(store Store, policies PolicySet) *Queries {
	return &Queries{store: store, policies: policies}
}

// GetBalance returns a subject's balance record.
func (q *Queries) GetBalance(ctx context.Context, domain Domain, subjectID SubjectID) (*BalanceRecord, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("domain %q: %w", domain, ErrInvalidDomain)
	}
	return q.store.GetBalance(ctx, domain, subjectID)
}

// GetLedger returns a page of a subject's ledger in commit order.
func (q *Queries) GetLedger(ctx context.Context, domain Domain, subjectID SubjectID, page Page) ([]LedgerEntry, error) {
	if !domain.Valid() {
		return nil, fmt.Errorf("domain %q: %w", domain, ErrInvalidDomain)
	}
	return q.store.Entries(ctx, domain, subjectID, page.Normalize())
}

// VerifyReport is the result of an integrity audit.
type VerifyReport struct {
	Domain         Domain
	SubjectID      SubjectID
	InitialBalance int64 // balance the record was materialized with
	LedgerSum      int64 // cumulative delta over the full ledger
	Stored         int64 // BalanceRecord.Current
	Consistent     bool  // InitialBalance + LedgerSum == Stored
}

// ReplayAndVerify recomputes a subject's balance from its full ledger
// and compares it with the stored Current. Used for integrity audits
// and by the test suite after every concurrency hammer.
//
// The initial balance is derived from the domain defaults: the same
// value lazy materialization would have used. For stock subjects seeded
// with an explicit opening quantity, that opening quantity is recorded
// as a ledger entry, so the default initial here is still correct.
func (q *Queries) ReplayAndVerify(ctx context.Context, domain Domain, subjectID SubjectID) (*VerifyReport, error) {
	record, err := q.GetBalance(ctx, domain, subjectID)
	if err != nil {
		return nil, err
	}

	engine, err := q.policies.Engine(domain)
	if err != nil {
		return nil, err
	}
	initial := engine.Defaults(subjectID).Current

	sum, err := q.store.SumDeltas(ctx, domain, subjectID)
	if err != nil {
		return nil, fmt.Errorf("sum deltas %s/%s: %w", domain, subjectID, err)
	}

	return &VerifyReport{
		Domain:         domain,
		SubjectID:      subjectID,
		InitialBalance: initial,
		LedgerSum:      sum,
		Stored:         record.Current,
		Consistent:     initial+sum == record.Current,
	}, nil
}
