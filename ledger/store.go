/*
store.go - Persistence interfaces for balance records and ledger entries

PURPOSE:
  Defines the interface between the engine and the database. The Store
  is the only component that touches storage; the coordinator and the
  query surface are written against these interfaces so SQLite and the
  in-memory implementation are interchangeable.

THE COMMIT CONTRACT (the heart of the engine):
  CommitDelta must perform, as ONE atomic unit:
    1. current += delta and version += 1, but only if version still
       equals ExpectedVersion AND the resulting current satisfies the
       domain invariant (non-negative for stock/loyalty, under the
       usage cap for coupon) evaluated inside the storage engine
    2. the ledger entry append
  If the version moved, CommitDelta returns ErrVersionConflict and
  writes NOTHING. If the correlation ID already has an entry for this
  subject, it returns ErrDuplicateCorrelation and writes nothing.
  A separate read-then-write is NOT an acceptable implementation: it
  reintroduces the lost-update race this engine exists to close.

APPEND-ONLY CONTRACT:
  ledger_entries has no Update and no Delete, ever. Corrections are new
  entries with opposite sign.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite (same SQL works on Postgres)
  - ledger/store/memory.go: in-memory for tests and dev
*/
package ledger

import "context"

// =============================================================================
// COMMIT - The single write path for balances
// =============================================================================

// Commit describes one atomic balance mutation plus its audit entry.
type Commit struct {
	Record BalanceRecord // snapshot read in this attempt
	Delta  int64         // signed, already policy-approved
	Entry  LedgerEntry   // ResultingBalance filled by the store at commit

	// ExpectedVersion is the version read before policy evaluation.
	// The store must refuse the write if it no longer matches.
	ExpectedVersion int64

	// LoyaltyEarned / LoyaltyRedeemed bump the running aggregates in
	// the same conditional update (loyalty domain only).
	LoyaltyEarned   int64
	LoyaltyRedeemed int64
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// BalanceStore reads and conditionally mutates balance records.
type BalanceStore interface {
	// GetBalance returns the record for a subject, or ErrSubjectNotFound.
	GetBalance(ctx context.Context, domain Domain, subjectID SubjectID) (*BalanceRecord, error)

	// CreateBalance materializes a record with its initial values.
	// Losing a create race to a concurrent caller is not an error: the
	// store keeps the first write and the caller re-reads.
	CreateBalance(ctx context.Context, record BalanceRecord) error

	// CommitDelta performs the conditional update + ledger append
	// described in the file header. Returns the committed entry with
	// ResultingBalance set, ErrVersionConflict on a lost race, or
	// ErrDuplicateCorrelation when the entry already exists.
	CommitDelta(ctx context.Context, c Commit) (*LedgerEntry, error)
}

// LedgerStore reads the append-only audit trail.
type LedgerStore interface {
	// Entries returns a subject's entries in commit order.
	Entries(ctx context.Context, domain Domain, subjectID SubjectID, page Page) ([]LedgerEntry, error)

	// EntryByCorrelation returns the entry committed under a correlation
	// ID, or nil when none exists. Used for idempotent replays.
	EntryByCorrelation(ctx context.Context, domain Domain, subjectID SubjectID, correlationID string) (*LedgerEntry, error)

	// CountByActor returns how many entries a given actor has committed
	// against a subject. This is the source of truth for coupon
	// per-user limits; no embedded usage arrays anywhere.
	CountByActor(ctx context.Context, domain Domain, subjectID SubjectID, actorID string) (int64, error)

	// SumDeltas returns the cumulative delta over a subject's full
	// ledger. Used by ReplayAndVerify.
	SumDeltas(ctx context.Context, domain Domain, subjectID SubjectID) (int64, error)
}

// Store is the full persistence surface the coordinator needs.
type Store interface {
	BalanceStore
	LedgerStore
}
