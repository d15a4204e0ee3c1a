/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and coupon.CatalogStore using SQLite. In
  production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

THE CONDITIONAL UPDATE:
  CommitDelta is ONE SQL transaction:

    UPDATE balance_records
    SET current = current + :delta, version = version + 1, ...
    WHERE domain = :d AND subject_id = :s
      AND version = :expected
      AND current + :delta >= 0
      AND (usage_limit <= 0 OR current + :delta <= usage_limit)

  followed by the ledger INSERT. Zero rows updated means either the
  version moved or the server-side invariant failed; either way nothing
  is written and the caller gets ErrVersionConflict. There is no window
  where two readers of stock=1 can both decrement.

APPEND-ONLY ENFORCEMENT:
  ledger_entries has no UPDATE and no DELETE statements anywhere in
  this package. The unique index on (domain, subject_id,
  correlation_id) makes retried appends idempotent.

KEY TABLES:
  balance_records: one row per subject, version-guarded
  ledger_entries:  immutable audit trail
  coupons:         coupon definitions (terms, not usage)

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block
  and crash recovery is cheap. The sync.RWMutex serializes our writers;
  with PostgreSQL, row locking inside the database replaces it.

SEE ALSO:
  - ledger/store.go: interface contracts
  - ledger/store/memory.go: in-memory implementation with identical
    semantics, used by the concurrency tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
)

// Store implements ledger.Store and coupon.CatalogStore over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ ledger.Store        = (*Store)(nil)
	_ coupon.CatalogStore = (*Store)(nil)
)

// New opens (or creates) the database at dbPath. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// sidesteps SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Balance records: one row per (domain, subject), version-guarded
	CREATE TABLE IF NOT EXISTS balance_records (
		domain TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		current INTEGER NOT NULL,
		total_earned INTEGER NOT NULL DEFAULT 0,
		total_redeemed INTEGER NOT NULL DEFAULT 0,
		restock_threshold INTEGER NOT NULL DEFAULT 0,
		usage_limit INTEGER NOT NULL DEFAULT 0,
		per_actor_limit INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (domain, subject_id)
	);

	-- Ledger entries (append-only: no UPDATE, no DELETE, ever)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		resulting_balance INTEGER NOT NULL,
		reason TEXT,
		actor_id TEXT,
		correlation_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: idempotent retries hinge on this index
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_correlation
		ON ledger_entries(domain, subject_id, correlation_id);

	-- History reads (hot path for pagination and replay)
	CREATE INDEX IF NOT EXISTS idx_ledger_subject_time
		ON ledger_entries(domain, subject_id, created_at);

	-- Per-actor usage counts (coupon per-user limit)
	CREATE INDEX IF NOT EXISTS idx_ledger_subject_actor
		ON ledger_entries(domain, subject_id, actor_id);

	-- Coupon definitions (terms only; usage lives in balance_records)
	CREATE TABLE IF NOT EXISTS coupons (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		min_purchase TEXT NOT NULL,
		usage_limit INTEGER NOT NULL DEFAULT 0,
		per_actor_limit INTEGER NOT NULL DEFAULT 0,
		expires_at TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coupons_active_expiry
		ON coupons(active, expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// BALANCE STORE (ledger.BalanceStore interface)
// =============================================================================

// GetBalance returns the record for a subject.
func (s *Store) GetBalance(ctx context.Context, domain ledger.Domain, subjectID ledger.SubjectID) (*ledger.BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getBalance(ctx, s.db, domain, subjectID)
}

func (s *Store) getBalance(ctx context.Context, q queryer, domain ledger.Domain, subjectID ledger.SubjectID) (*ledger.BalanceRecord, error) {
	var (
		r                    ledger.BalanceRecord
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT domain, subject_id, current, total_earned, total_redeemed,
		       restock_threshold, usage_limit, per_actor_limit, version,
		       created_at, updated_at
		FROM balance_records
		WHERE domain = ? AND subject_id = ?`,
		domain, subjectID,
	).Scan(&r.Domain, &r.SubjectID, &r.Current, &r.TotalEarned, &r.TotalRedeemed,
		&r.RestockThreshold, &r.UsageLimit, &r.PerActorLimit, &r.Version,
		&createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, ledger.ErrSubjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

// CreateBalance materializes a record; losing a create race keeps the
// first write.
func (s *Store) CreateBalance(ctx context.Context, record ledger.BalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	createdAt := now
	if !record.CreatedAt.IsZero() {
		createdAt = record.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balance_records
		(domain, subject_id, current, total_earned, total_redeemed,
		 restock_threshold, usage_limit, per_actor_limit, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain, subject_id) DO NOTHING`,
		record.Domain, record.SubjectID, record.Current,
		record.TotalEarned, record.TotalRedeemed,
		record.RestockThreshold, record.UsageLimit, record.PerActorLimit,
		record.Version, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return nil
}

// CommitDelta performs the conditional update plus ledger append as one
// SQL transaction. See the package header for the contract.
func (s *Store) CommitDelta(ctx context.Context, c ledger.Commit) (*ledger.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE balance_records
		SET current = current + ?,
		    version = version + 1,
		    total_earned = total_earned + ?,
		    total_redeemed = total_redeemed + ?,
		    updated_at = ?
		WHERE domain = ? AND subject_id = ?
		  AND version = ?
		  AND current + ? >= 0
		  AND (usage_limit <= 0 OR current + ? <= usage_limit)`,
		c.Delta, c.LoyaltyEarned, c.LoyaltyRedeemed, now,
		c.Entry.Domain, c.Entry.SubjectID,
		c.ExpectedVersion,
		c.Delta, c.Delta,
	)
	if err != nil {
		return nil, fmt.Errorf("failed conditional update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Version moved, the invariant guard failed, or the subject is
		// missing. Nothing was written; the caller re-reads and decides.
		if _, readErr := s.getBalance(ctx, tx, c.Entry.Domain, c.Entry.SubjectID); readErr != nil {
			return nil, readErr
		}
		return nil, ledger.ErrVersionConflict
	}

	var resulting int64
	err = tx.QueryRowContext(ctx,
		"SELECT current FROM balance_records WHERE domain = ? AND subject_id = ?",
		c.Entry.Domain, c.Entry.SubjectID,
	).Scan(&resulting)
	if err != nil {
		return nil, fmt.Errorf("failed to read resulting balance: %w", err)
	}

	entry := c.Entry
	entry.ResultingBalance = resulting
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, domain, subject_id, delta, resulting_balance, reason, actor_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Domain, entry.SubjectID, entry.Delta, entry.ResultingBalance,
		entry.Reason, entry.ActorID, entry.CorrelationID,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Rolls back the balance update too: the original commit
			// under this correlation ID stands alone.
			return nil, ledger.ErrDuplicateCorrelation
		}
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &entry, nil
}

// =============================================================================
// LEDGER STORE (ledger.LedgerStore interface)
// =============================================================================

// Entries returns a page of a subject's ledger in commit order.
// Appends serialize under the store mutex, so rowid is exact commit
// order; RFC3339Nano text is not (trailing fractional zeros are
// trimmed, so ".1Z" sorts after ".15Z").
func (s *Store) Entries(ctx context.Context, domain ledger.Domain, subjectID ledger.SubjectID, page ledger.Page) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, subject_id, delta, resulting_balance, reason, actor_id, correlation_id, created_at
		FROM ledger_entries
		WHERE domain = ? AND subject_id = ?
		ORDER BY rowid ASC
		LIMIT ? OFFSET ?`,
		domain, subjectID, page.Limit, page.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// EntryByCorrelation returns the entry committed under a correlation
// ID, or nil when none exists.
func (s *Store) EntryByCorrelation(ctx context.Context, domain ledger.Domain, subjectID ledger.SubjectID, correlationID string) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, domain, subject_id, delta, resulting_balance, reason, actor_id, correlation_id, created_at
		FROM ledger_entries
		WHERE domain = ? AND subject_id = ? AND correlation_id = ?
		LIMIT 1`,
		domain, subjectID, correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	entry, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// CountByActor counts a subject's entries committed by one actor.
func (s *Store) CountByActor(ctx context.Context, domain ledger.Domain, subjectID ledger.SubjectID, actorID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE domain = ? AND subject_id = ? AND actor_id = ?",
		domain, subjectID, actorID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count by actor: %w", err)
	}
	return count, nil
}

// SumDeltas returns the cumulative delta over a subject's full ledger.
func (s *Store) SumDeltas(ctx context.Context, domain ledger.Domain, subjectID ledger.SubjectID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE domain = ? AND subject_id = ?",
		domain, subjectID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum deltas: %w", err)
	}
	return sum, nil
}

// =============================================================================
// COUPON CATALOG (coupon.CatalogStore interface)
// =============================================================================

// InsertCoupon stores a coupon definition and seeds its usage record
// with the configured limits, both in one transaction. A coupon can
// never exist without the record that enforces its cap. ErrCodeTaken
// on code collision.
func (s *Store) InsertCoupon(ctx context.Context, c coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt sql.NullString
	if !c.ExpiresAt.IsZero() {
		expiresAt = sql.NullString{String: c.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	createdAt := c.CreatedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO coupons
		(id, code, kind, value, min_purchase, usage_limit, per_actor_limit, expires_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Code, c.Kind, c.Value.String(), c.MinPurchase.String(),
		c.UsageLimit, c.PerActorLimit, expiresAt, c.Active, createdAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return coupon.ErrCodeTaken
		}
		return fmt.Errorf("failed to insert coupon: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_records
		(domain, subject_id, current, total_earned, total_redeemed,
		 restock_threshold, usage_limit, per_actor_limit, version, created_at, updated_at)
		VALUES (?, ?, 0, 0, 0, 0, ?, ?, 0, ?, ?)`,
		ledger.DomainCoupon, c.ID, c.UsageLimit, c.PerActorLimit, createdAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to seed coupon usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetByCode returns a coupon by its public code.
func (s *Store) GetByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.getCoupon(ctx, "code = ?", code)
}

// GetByID returns a coupon by its internal ID.
func (s *Store) GetByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return s.getCoupon(ctx, "id = ?", id)
}

func (s *Store) getCoupon(ctx context.Context, where string, arg any) (*coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, kind, value, min_purchase, usage_limit, per_actor_limit, expires_at, active, created_at
		FROM coupons WHERE `+where+` LIMIT 1`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query coupon: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, coupon.ErrCouponNotFound
	}
	c, err := scanCoupon(rows)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListExpiring returns active coupons whose expiry falls in (now, before].
func (s *Store) ListExpiring(ctx context.Context, now, before time.Time) ([]coupon.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, kind, value, min_purchase, usage_limit, per_actor_limit, expires_at, active, created_at
		FROM coupons
		WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC`,
		now.UTC().Format(time.RFC3339Nano), before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring coupons: %w", err)
	}
	defer rows.Close()

	var coupons []coupon.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, c)
	}
	return coupons, rows.Err()
}

// DeactivateExpired flips active coupons past their expiry. Balance
// records and ledgers are retained for audit.
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE coupons SET active = FALSE WHERE active = TRUE AND expires_at IS NOT NULL AND expires_at <= ?",
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate coupons: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanEntry(rows *sql.Rows) (ledger.LedgerEntry, error) {
	var (
		entry           ledger.LedgerEntry
		reason, actorID sql.NullString
		createdAt       string
	)
	err := rows.Scan(&entry.ID, &entry.Domain, &entry.SubjectID, &entry.Delta,
		&entry.ResultingBalance, &reason, &actorID, &entry.CorrelationID, &createdAt)
	if err != nil {
		return entry, fmt.Errorf("failed to scan ledger entry: %w", err)
	}
	entry.Reason = reason.String
	entry.ActorID = actorID.String
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return entry, nil
}

func scanCoupon(rows *sql.Rows) (coupon.Coupon, error) {
	var (
		c                  coupon.Coupon
		value, minPurchase string
		expiresAt          sql.NullString
		createdAt          string
	)
	err := rows.Scan(&c.ID, &c.Code, &c.Kind, &value, &minPurchase,
		&c.UsageLimit, &c.PerActorLimit, &expiresAt, &c.Active, &createdAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan coupon: %w", err)
	}
	c.Value = parseDecimal(value)
	c.MinPurchase = parseDecimal(minPurchase)
	if expiresAt.Valid {
		c.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt.String)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return c, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
