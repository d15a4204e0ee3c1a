/*
catalog.go - Coupon definitions and unique code generation

PURPOSE:
  The catalog owns coupon terms (code, discount, limits, expiry) and
  the code generator. Usage COUNTING lives in the ledger engine; the
  catalog only describes what a coupon is.

CODE GENERATION:
  Generate a random candidate, attempt a unique insert, retry on
  collision - bounded by a maximum attempt count. The database's unique
  index on the code column is the arbiter; there is no check-then-insert
  window and no unbounded recursion.

EXPIRY:
  Coupons past ExpiresAt are deactivated by the scheduler sweep
  (api/scheduler.go) but their balance records and ledgers are retained
  for audit.
*/
package coupon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COUPON DEFINITION
// =============================================================================

// DiscountKind selects how Value is interpreted.
type DiscountKind string

const (
	DiscountFixed   DiscountKind = "fixed"   // Value currency units off
	DiscountPercent DiscountKind = "percent" // Value percent off the total
)

// Coupon is one promotion definition. The usage counter is NOT here -
// it lives in the coupon's balance record, mutated only through the
// coordinator.
type Coupon struct {
	ID            string
	Code          string
	Kind          DiscountKind
	Value         decimal.Decimal
	MinPurchase   decimal.Decimal
	UsageLimit    int64 // 0 = unlimited
	PerActorLimit int64 // 0 = unlimited
	ExpiresAt     time.Time
	Active        bool
	CreatedAt     time.Time
}

// Expired reports whether the coupon is past its expiry at now.
func (c Coupon) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// DiscountFor returns the discount this coupon grants on an order
// total. Percent discounts are computed from the total; fixed discounts
// never exceed it.
func (c Coupon) DiscountFor(orderTotal decimal.Decimal) decimal.Decimal {
	switch c.Kind {
	case DiscountPercent:
		return orderTotal.Mul(c.Value).Div(decimal.NewFromInt(100)).RoundDown(2)
	default:
		if c.Value.GreaterThan(orderTotal) {
			return orderTotal
		}
		return c.Value
	}
}

// =============================================================================
// CATALOG STORE
// =============================================================================

var (
	// ErrCodeTaken is returned by stores when a coupon code collides
	// with an existing one. The generator retries on it.
	ErrCodeTaken = errors.New("coupon code already exists")

	// ErrCouponNotFound is returned for unknown codes or IDs.
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrCodeExhausted is returned when generation fails to find a free
	// code within the attempt budget.
	ErrCodeExhausted = errors.New("coupon code space exhausted")
)

// CatalogStore persists coupon definitions.
type CatalogStore interface {
	// InsertCoupon stores a new coupon and, atomically with it, the
	// usage record that enforces its limits. Returns ErrCodeTaken when
	// the code is already in use; nothing is written in that case.
	InsertCoupon(ctx context.Context, c Coupon) error

	// GetByCode returns an active-or-not coupon by its public code.
	GetByCode(ctx context.Context, code string) (*Coupon, error)

	// GetByID returns a coupon by its internal ID.
	GetByID(ctx context.Context, id string) (*Coupon, error)

	// ListExpiring returns active coupons whose expiry falls in
	// (now, before]. Used by the near-expiry alert sweep.
	ListExpiring(ctx context.Context, now, before time.Time) ([]Coupon, error)

	// DeactivateExpired marks active coupons past their expiry as
	// inactive and returns how many were flipped.
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// CATALOG - Creation with generated codes
// =============================================================================

// codeAlphabet avoids 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Catalog creates coupons with generated unique codes.
type Catalog struct {
	store       CatalogStore
	codeLength  int
	maxAttempts int
	now         func() time.Time
}

// CatalogOptions tune code generation. Zero values get defaults.
type CatalogOptions struct {
	CodeLength  int // default 8
	MaxAttempts int // default 5
}

// NewCatalog creates a catalog over a store.
func NewCatalog(store CatalogStore, opts CatalogOptions) *Catalog {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 8
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Catalog{
		store:       store,
		codeLength:  opts.CodeLength,
		maxAttempts: opts.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSpec describes a coupon to create.
type CreateSpec struct {
	Kind          DiscountKind
	Value         decimal.Decimal
	MinPurchase   decimal.Decimal
	UsageLimit    int64
	PerActorLimit int64
	ExpiresAt     time.Time

	// Code, when non-empty, is used verbatim instead of generating one
	// (admin-chosen vanity codes). Collisions are returned, not retried.
	Code string
}

// Create inserts a coupon, generating a unique code when none is given.
func (cat *Catalog) Create(ctx context.Context, spec CreateSpec) (*Coupon, error) {
	if spec.Kind == "" {
		spec.Kind = DiscountFixed
	}

	coupon := Coupon{
		ID:            uuid.NewString(),
		Kind:          spec.Kind,
		Value:         spec.Value,
		MinPurchase:   spec.MinPurchase,
		UsageLimit:    spec.UsageLimit,
		PerActorLimit: spec.PerActorLimit,
		ExpiresAt:     spec.ExpiresAt,
		Active:        true,
		CreatedAt:     cat.now(),
	}

	if spec.Code != "" {
		coupon.Code = spec.Code
		if err := cat.store.InsertCoupon(ctx, coupon); err != nil {
			return nil, err
		}
		return &coupon, nil
	}

	for attempt := 0; attempt < cat.maxAttempts; attempt++ {
		code, err := randomCode(cat.codeLength)
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		coupon.Code = code

		err = cat.store.InsertCoupon(ctx, coupon)
		if err == nil {
			return &coupon, nil
		}
		if !errors.Is(err, ErrCodeTaken) {
			return nil, err
		}
	}
	return nil, ErrCodeExhausted
}

// Resolve returns the coupon for a public code.
func (cat *Catalog) Resolve(ctx context.Context, code string) (*Coupon, error) {
	return cat.store.GetByCode(ctx, code)
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
