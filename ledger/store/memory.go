// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/mercato/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store with the same semantics as the SQLite
// store: conditional update plus entry append under one lock, version
// conflicts, and correlation uniqueness. The concurrency tests run
// against this to hammer the coordinator without filesystem noise.
type Memory struct {
	mu       sync.RWMutex
	balances map[subjectKey]*ledger.BalanceRecord
	entries  map[subjectKey][]ledger.LedgerEntry
	byCorr   map[corrKey]ledger.LedgerEntry
}

type subjectKey struct {
	Domain    ledger.Domain
	SubjectID ledger.SubjectID
}

type corrKey struct {
	subjectKey
	CorrelationID string
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[subjectKey]*ledger.BalanceRecord),
		entries:  make(map[subjectKey][]ledger.LedgerEntry),
		byCorr:   make(map[corrKey]ledger.LedgerEntry),
	}
}

// GetBalance returns a copy of the record or ErrSubjectNotFound.
func (m *Memory) GetBalance(_ context.Context, domain ledger.Domain, subjectID ledger.SubjectID) (*ledger.BalanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.balances[subjectKey{domain, subjectID}]
	if !ok {
		return nil, ledger.ErrSubjectNotFound
	}
	copied := *record
	return &copied, nil
}

// CreateBalance keeps the first write when two callers race to
// materialize the same subject.
func (m *Memory) CreateBalance(_ context.Context, record ledger.BalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subjectKey{record.Domain, record.SubjectID}
	if _, exists := m.balances[key]; exists {
		return nil
	}
	m.balances[key] = &record
	return nil
}

// CommitDelta performs the conditional update + append atomically.
func (m *Memory) CommitDelta(_ context.Context, c ledger.Commit) (*ledger.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := subjectKey{c.Entry.Domain, c.Entry.SubjectID}
	if _, dup := m.byCorr[corrKey{key, c.Entry.CorrelationID}]; dup {
		return nil, ledger.ErrDuplicateCorrelation
	}

	record, ok := m.balances[key]
	if !ok {
		return nil, ledger.ErrSubjectNotFound
	}
	if record.Version != c.ExpectedVersion {
		return nil, ledger.ErrVersionConflict
	}

	next := record.Current + c.Delta
	if !invariantHolds(*record, next) {
		return nil, ledger.ErrVersionConflict
	}

	record.Current = next
	record.Version++
	record.TotalEarned += c.LoyaltyEarned
	record.TotalRedeemed += c.LoyaltyRedeemed
	record.UpdatedAt = time.Now().UTC()

	entry := c.Entry
	entry.ResultingBalance = next
	m.entries[key] = append(m.entries[key], entry)
	m.byCorr[corrKey{key, entry.CorrelationID}] = entry

	return &entry, nil
}

// invariantHolds mirrors the server-side guard of the SQL store:
// non-negative for stock and loyalty, under the cap for coupons.
func invariantHolds(record ledger.BalanceRecord, next int64) bool {
	if next < 0 {
		return false
	}
	if record.Domain == ledger.DomainCoupon && record.UsageLimit > 0 && next > record.UsageLimit {
		return false
	}
	return true
}

// Entries returns a page of a subject's ledger in commit order.
func (m *Memory) Entries(_ context.Context, domain ledger.Domain, subjectID ledger.SubjectID, page ledger.Page) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	page = page.Normalize()
	all := m.entries[subjectKey{domain, subjectID}]
	if page.Offset >= len(all) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]ledger.LedgerEntry, end-page.Offset)
	copy(out, all[page.Offset:end])
	return out, nil
}

func (m *Memory) EntryByCorrelation(_ context.Context, domain ledger.Domain, subjectID ledger.SubjectID, correlationID string) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byCorr[corrKey{subjectKey{domain, subjectID}, correlationID}]
	if !ok {
		return nil, nil
	}
	copied := entry
	return &copied, nil
}

func (m *Memory) CountByActor(_ context.Context, domain ledger.Domain, subjectID ledger.SubjectID, actorID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, entry := range m.entries[subjectKey{domain, subjectID}] {
		if entry.ActorID == actorID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) SumDeltas(_ context.Context, domain ledger.Domain, subjectID ledger.SubjectID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, entry := range m.entries[subjectKey{domain, subjectID}] {
		sum += entry.Delta
	}
	return sum, nil
}
