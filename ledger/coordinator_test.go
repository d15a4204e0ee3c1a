package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
	"github.com/mercato/ledger-engine/ledger/store"
	"github.com/mercato/ledger-engine/loyalty"
	"github.com/mercato/ledger-engine/stock"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testPolicies() ledger.PolicySet {
	return ledger.PolicySet{
		ledger.DomainStock:   &stock.Policy{DefaultRestockThreshold: 3},
		ledger.DomainLoyalty: &loyalty.Policy{WelcomeBonus: 100, MinRedeemPoints: 10, MaxRedeemPercent: 50, RedeemRate: 2, PointsPerAmount: 50},
		ledger.DomainCoupon:  &coupon.Policy{},
	}
}

func newTestCoordinator(t *testing.T) (*ledger.Coordinator, *store.Memory, *ledger.Queries) {
	t.Helper()
	mem := store.NewMemory()
	policies := testPolicies()
	coord := ledger.NewCoordinator(mem, policies, nil, zerolog.Nop(), ledger.CoordinatorOptions{})
	return coord, mem, ledger.NewQueries(mem, policies)
}

func sell(subject string, qty int64, corr string) ledger.ApplyRequest {
	return ledger.ApplyRequest{
		Domain:        ledger.DomainStock,
		SubjectID:     ledger.SubjectID(subject),
		Delta:         -qty,
		Reason:        stock.ReasonSale,
		CorrelationID: corr,
	}
}

func receive(subject string, qty int64, corr string) ledger.ApplyRequest {
	return ledger.ApplyRequest{
		Domain:        ledger.DomainStock,
		SubjectID:     ledger.SubjectID(subject),
		Delta:         qty,
		Reason:        stock.ReasonReceive,
		CorrelationID: corr,
	}
}

// =============================================================================
// BASIC APPLY SEMANTICS
// =============================================================================

func TestCoordinator_AcceptedApply_AppendsEntry(t *testing.T) {
	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Apply(ctx, receive("prod-1", 10, "rcv-1"))
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeAccepted, res.Outcome)
	assert.Equal(t, int64(10), res.NewBalance)
	assert.NotEmpty(t, res.LedgerEntryID)

	entries, err := queries.GetLedger(ctx, ledger.DomainStock, "prod-1", ledger.Page{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].Delta)
	assert.Equal(t, int64(10), entries[0].ResultingBalance)
	assert.Equal(t, stock.ReasonReceive, entries[0].Reason)
}

func TestCoordinator_PolicyRejection_NothingWritten(t *testing.T) {
	// GIVEN: 5 units in stock
	// WHEN: Selling 8
	// THEN: RejectionError with the available quantity; no balance
	//       change, no ledger entry

	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Apply(ctx, receive("prod-1", 5, "rcv-1"))
	require.NoError(t, err)

	_, err = coord.Apply(ctx, sell("prod-1", 8, "sale-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPolicyRejected)

	var rejection *ledger.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, stock.RuleInsufficientStock, rejection.Rule)
	assert.Equal(t, int64(5), rejection.Available)

	record, err := queries.GetBalance(ctx, ledger.DomainStock, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), record.Current)

	entries, err := queries.GetLedger(ctx, ledger.DomainStock, "prod-1", ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the receive is in the ledger")
}

func TestCoordinator_MissingCorrelationID_Rejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Apply(context.Background(), ledger.ApplyRequest{
		Domain:    ledger.DomainStock,
		SubjectID: "prod-1",
		Delta:     1,
	})
	assert.ErrorIs(t, err, ledger.ErrCorrelationRequired)
}

func TestCoordinator_InvalidDomain_Rejected(t *testing.T) {
	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Apply(context.Background(), ledger.ApplyRequest{
		Domain:        "giftcard",
		SubjectID:     "x",
		Delta:         1,
		CorrelationID: "c-1",
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidDomain)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestCoordinator_DuplicateCorrelation_NoOpSuccess(t *testing.T) {
	// GIVEN: A committed sale under correlation "order-77"
	// WHEN: The same call is retried (client timeout, network retry)
	// THEN: No second mutation; the prior result comes back as "duplicate"

	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Apply(ctx, receive("prod-1", 10, "rcv-1"))
	require.NoError(t, err)

	first, err := coord.Apply(ctx, sell("prod-1", 3, "order-77"))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeAccepted, first.Outcome)

	second, err := coord.Apply(ctx, sell("prod-1", 3, "order-77"))
	require.NoError(t, err)

	assert.Equal(t, ledger.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.NewBalance, second.NewBalance)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)

	record, err := queries.GetBalance(ctx, ledger.DomainStock, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), record.Current, "the retry did not double-apply")

	entries, err := queries.GetLedger(ctx, ledger.DomainStock, "prod-1", ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// =============================================================================
// LAZY MATERIALIZATION
// =============================================================================

func TestCoordinator_FirstReference_MaterializesDefaults(t *testing.T) {
	// A loyalty account first referenced by an earn starts from the
	// welcome bonus, not from a missing-record error.

	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	res, err := coord.Apply(ctx, ledger.ApplyRequest{
		Domain:        ledger.DomainLoyalty,
		SubjectID:     "user-1",
		Delta:         50,
		Reason:        loyalty.ReasonEarn,
		CorrelationID: "earn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(150), res.NewBalance, "welcome bonus 100 + earned 50")

	record, err := queries.GetBalance(ctx, ledger.DomainLoyalty, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), record.TotalEarned)
}

func TestCoordinator_NewProduct_StartsEmpty(t *testing.T) {
	// Selling an unknown product materializes an empty record and is
	// then honestly rejected for insufficient stock.

	coord, _, _ := newTestCoordinator(t)

	_, err := coord.Apply(context.Background(), sell("prod-new", 1, "sale-1"))

	var rejection *ledger.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, int64(0), rejection.Available)
}

// =============================================================================
// CONFLICT EXHAUSTION
// =============================================================================

// conflictStore wraps a Store and forces CommitDelta to lose every race.
type conflictStore struct {
	ledger.Store
	attempts atomic.Int64
}

func (s *conflictStore) CommitDelta(ctx context.Context, c ledger.Commit) (*ledger.LedgerEntry, error) {
	s.attempts.Add(1)
	return nil, ledger.ErrVersionConflict
}

func TestCoordinator_RetryBudgetExhausted_Conflict(t *testing.T) {
	mem := store.NewMemory()
	cs := &conflictStore{Store: mem}
	coord := ledger.NewCoordinator(cs, testPolicies(), nil, zerolog.Nop(), ledger.CoordinatorOptions{
		MaxRetries:  3,
		BackoffBase: 1,
	})

	require.NoError(t, mem.CreateBalance(context.Background(), ledger.BalanceRecord{
		Domain: ledger.DomainStock, SubjectID: "prod-1", Current: 10,
	}))

	_, err := coord.Apply(context.Background(), sell("prod-1", 1, "sale-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.True(t, ledger.IsRetryable(err))

	var conflict *ledger.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, int64(3), cs.attempts.Load())
}

// =============================================================================
// CONCURRENCY HAMMERS
// =============================================================================

func TestCoordinator_ConcurrentSells_NeverNegative(t *testing.T) {
	// GIVEN: 50 units in stock
	// WHEN: 100 goroutines each try to sell 1 unit
	// THEN: Exactly 50 sales are accepted, 50 are rejected, the balance
	//       is exactly 0, and the ledger replays to the stored balance

	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Apply(ctx, receive("prod-1", 50, "rcv-1"))
	require.NoError(t, err)

	var accepted, rejected atomic.Int64
	g := new(errgroup.Group)
	for i := 0; i < 100; i++ {
		corr := fmt.Sprintf("sale-%d", i)
		g.Go(func() error {
			for {
				_, err := coord.Apply(ctx, sell("prod-1", 1, corr))
				switch {
				case err == nil:
					accepted.Add(1)
					return nil
				case errors.Is(err, ledger.ErrPolicyRejected):
					rejected.Add(1)
					return nil
				case errors.Is(err, ledger.ErrConflict):
					// Retry budget exhausted under contention; the same
					// correlation ID makes the retry safe.
					continue
				default:
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(50), accepted.Load())
	assert.Equal(t, int64(50), rejected.Load())

	record, err := queries.GetBalance(ctx, ledger.DomainStock, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Current)

	report, err := queries.ReplayAndVerify(ctx, ledger.DomainStock, "prod-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent, "initial %d + sum %d != stored %d",
		report.InitialBalance, report.LedgerSum, report.Stored)
}

func TestCoordinator_SingleUseCoupon_OneWinner(t *testing.T) {
	// GIVEN: A coupon with usage limit 1
	// WHEN: Two customers apply it concurrently
	// THEN: Exactly one application is accepted

	coord, mem, queries := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateBalance(ctx, ledger.BalanceRecord{
		Domain: ledger.DomainCoupon, SubjectID: "cpn-1", UsageLimit: 1,
	}))

	var accepted, rejected atomic.Int64
	g := new(errgroup.Group)
	for i := 0; i < 2; i++ {
		actor := fmt.Sprintf("user-%d", i)
		g.Go(func() error {
			for {
				_, err := coord.Apply(ctx, ledger.ApplyRequest{
					Domain:        ledger.DomainCoupon,
					SubjectID:     "cpn-1",
					Delta:         1,
					Reason:        coupon.ReasonApplied,
					ActorID:       actor,
					CorrelationID: "apply-" + actor,
				})
				switch {
				case err == nil:
					accepted.Add(1)
					return nil
				case errors.Is(err, ledger.ErrPolicyRejected):
					rejected.Add(1)
					return nil
				case errors.Is(err, ledger.ErrConflict):
					continue
				default:
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(1), rejected.Load())

	record, err := queries.GetBalance(ctx, ledger.DomainCoupon, "cpn-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Current)
}

func TestCoordinator_PerActorLimit_SecondUseRejected(t *testing.T) {
	coord, mem, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, mem.CreateBalance(ctx, ledger.BalanceRecord{
		Domain: ledger.DomainCoupon, SubjectID: "cpn-1", UsageLimit: 100, PerActorLimit: 1,
	}))

	applyAs := func(corr string) error {
		_, err := coord.Apply(ctx, ledger.ApplyRequest{
			Domain:        ledger.DomainCoupon,
			SubjectID:     "cpn-1",
			Delta:         1,
			Reason:        coupon.ReasonApplied,
			ActorID:       "user-1",
			CorrelationID: corr,
		})
		return err
	}

	require.NoError(t, applyAs("order-1"))

	err := applyAs("order-2")
	var rejection *ledger.RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, coupon.RulePerUserLimit, rejection.Rule)
}

// =============================================================================
// REPLAY VERIFICATION
// =============================================================================

func TestQueries_ReplayAndVerify_WelcomeBonusAccounted(t *testing.T) {
	// The welcome bonus has no ledger entry; verification must account
	// for it via the domain's initial balance.

	coord, _, queries := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coord.Apply(ctx, ledger.ApplyRequest{
		Domain: ledger.DomainLoyalty, SubjectID: "user-1", Delta: 40,
		Reason: loyalty.ReasonEarn, CorrelationID: "earn-1",
	})
	require.NoError(t, err)
	_, err = coord.Apply(ctx, ledger.ApplyRequest{
		Domain: ledger.DomainLoyalty, SubjectID: "user-1", Delta: -30,
		Reason: loyalty.ReasonRedeem, CorrelationID: "redeem-1",
		Context: ledger.PolicyContext{OrderTotal: decimal.NewFromInt(1000)},
	})
	require.NoError(t, err)

	report, err := queries.ReplayAndVerify(ctx, ledger.DomainLoyalty, "user-1")
	require.NoError(t, err)

	assert.Equal(t, int64(100), report.InitialBalance)
	assert.Equal(t, int64(10), report.LedgerSum)
	assert.Equal(t, int64(110), report.Stored)
	assert.True(t, report.Consistent)
}

// =============================================================================
// ALERT HAND-OFF
// =============================================================================

func TestCoordinator_LowStockAlert_DeliveredOnCrossing(t *testing.T) {
	// GIVEN: 5 units with restock threshold 3 and a live dispatcher
	// WHEN: Two sales take the balance from 5 to 2 to 1
	// THEN: Exactly one low-stock alert is delivered, for the sale that
	//       crossed the threshold

	mem := store.NewMemory()
	policies := testPolicies()
	notifier := &captureNotifier{}
	dispatcher := ledger.NewDispatcher(notifier, zerolog.Nop(), ledger.DispatcherOptions{})
	dispatcher.Start()
	t.Cleanup(dispatcher.Stop)

	coord := ledger.NewCoordinator(mem, policies, dispatcher, zerolog.Nop(), ledger.CoordinatorOptions{})
	ctx := context.Background()

	_, err := coord.Apply(ctx, receive("prod-1", 5, "rcv-1"))
	require.NoError(t, err)

	res, err := coord.Apply(ctx, sell("prod-1", 3, "sale-1"))
	require.NoError(t, err)
	assert.True(t, res.ThresholdCrossed)

	res, err = coord.Apply(ctx, sell("prod-1", 1, "sale-2"))
	require.NoError(t, err)
	assert.False(t, res.ThresholdCrossed, "already below the line, no second crossing")

	waitFor(t, func() bool { return len(notifier.delivered()) == 1 })
	events := notifier.delivered()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.AlertLowStock, events[0].Kind)
	assert.Equal(t, ledger.DomainStock, events[0].Domain)
	assert.Equal(t, ledger.SubjectID("prod-1"), events[0].SubjectID)
	assert.Equal(t, int64(2), events[0].Balance)
	assert.Equal(t, int64(3), events[0].Threshold)
}
