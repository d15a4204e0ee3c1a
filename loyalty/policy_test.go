package loyalty_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mercato/ledger-engine/ledger"
	"github.com/mercato/ledger-engine/loyalty"
)

func testPolicy() *loyalty.Policy {
	return &loyalty.Policy{
		MinRedeemPoints:  100,
		MaxRedeemPercent: 50,
		RedeemRate:       2,
		PointsPerAmount:  50,
		MilestoneStep:    1000,
	}
}

func account(current, totalEarned int64) ledger.BalanceRecord {
	return ledger.BalanceRecord{
		Domain:      ledger.DomainLoyalty,
		SubjectID:   "user-1",
		Current:     current,
		TotalEarned: totalEarned,
	}
}

func orderOf(total int64) ledger.PolicyContext {
	return ledger.PolicyContext{OrderTotal: decimal.NewFromInt(total)}
}

// =============================================================================
// REDEMPTION BOUNDS
// =============================================================================

func TestLoyaltyPolicy_RedeemMoreThanBalance_Rejected(t *testing.T) {
	p := testPolicy()
	d := p.Evaluate(account(150, 150), -200, orderOf(1000))

	assert.False(t, d.Accepted)
	assert.Equal(t, loyalty.RuleInsufficientPoints, d.Reason)
	assert.Equal(t, int64(150), d.Available)
}

func TestLoyaltyPolicy_RedeemBelowMinimum_Rejected(t *testing.T) {
	p := testPolicy()
	d := p.Evaluate(account(500, 500), -50, orderOf(1000))

	assert.False(t, d.Accepted)
	assert.Equal(t, loyalty.RuleBelowMinimum, d.Reason)
	assert.Equal(t, int64(100), d.MinAllowed)
}

func TestLoyaltyPolicy_RedeemOrderCap_ExactBoundary(t *testing.T) {
	// GIVEN: maxRedeemPercent=50, redeemRate=2, order total 1000
	// THEN: 1000 points (500 off, exactly 50%) is accepted,
	//       1001 points is rejected with the cap in the error

	p := testPolicy()

	d := p.Evaluate(account(5000, 5000), -1000, orderOf(1000))
	assert.True(t, d.Accepted, "exactly the cap is allowed")

	d = p.Evaluate(account(5000, 5000), -1001, orderOf(1000))
	assert.False(t, d.Accepted)
	assert.Equal(t, loyalty.RuleExceedsOrderCap, d.Reason)
	assert.Equal(t, int64(1000), d.MaxAllowed)
}

func TestLoyaltyPolicy_CapDisabled_OnlyBalanceBounds(t *testing.T) {
	p := &loyalty.Policy{RedeemRate: 2}
	d := p.Evaluate(account(5000, 5000), -5000, orderOf(10))

	assert.True(t, d.Accepted, "no percent cap configured")
}

func TestLoyaltyPolicy_ZeroDelta_Rejected(t *testing.T) {
	p := testPolicy()
	d := p.Evaluate(account(500, 500), 0, orderOf(100))

	assert.False(t, d.Accepted)
	assert.Equal(t, loyalty.RuleZeroDelta, d.Reason)
}

// =============================================================================
// EARNING
// =============================================================================

func TestLoyaltyPolicy_EarnedPoints_FloorsOnce(t *testing.T) {
	// 1 point per 50 spent: 249.99 earns 4, never 5.

	p := testPolicy()

	total, _ := decimal.NewFromString("249.99")
	assert.Equal(t, int64(4), p.EarnedPoints(total))
	assert.Equal(t, int64(5), p.EarnedPoints(decimal.NewFromInt(250)))
	assert.Equal(t, int64(0), p.EarnedPoints(decimal.NewFromInt(49)))
}

func TestLoyaltyPolicy_Earn_AlwaysAccepted(t *testing.T) {
	p := testPolicy()
	d := p.Evaluate(account(0, 0), 10_000, ledger.PolicyContext{})

	assert.True(t, d.Accepted)
}

func TestLoyaltyPolicy_MilestoneCrossing_Flagged(t *testing.T) {
	// GIVEN: MilestoneStep 1000, lifetime earned 950
	// WHEN: Earning 100 (lifetime passes 1000)
	// THEN: The crossing is flagged; the next earn is not

	p := testPolicy()

	d := p.Evaluate(account(950, 950), 100, ledger.PolicyContext{})
	assert.True(t, d.Accepted)
	assert.True(t, d.ThresholdCrossed)

	d = p.Evaluate(account(1050, 1050), 100, ledger.PolicyContext{})
	assert.True(t, d.Accepted)
	assert.False(t, d.ThresholdCrossed)
}

// =============================================================================
// CONVERSIONS AND DEFAULTS
// =============================================================================

func TestLoyaltyPolicy_MaxRedeemablePoints(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, int64(1000), p.MaxRedeemablePoints(decimal.NewFromInt(1000)))
	total, _ := decimal.NewFromString("99.99")
	// 99.99 * 50% * 2 = 99.99 -> floor 99
	assert.Equal(t, int64(99), p.MaxRedeemablePoints(total))
}

func TestLoyaltyPolicy_DiscountValue(t *testing.T) {
	p := testPolicy()

	assert.True(t, p.DiscountValue(1000).Equal(decimal.NewFromInt(500)))
}

func TestLoyaltyPolicy_Defaults_WelcomeBonus(t *testing.T) {
	p := &loyalty.Policy{WelcomeBonus: 100}
	r := p.Defaults("user-9")

	assert.Equal(t, int64(100), r.Current)
	assert.Equal(t, ledger.DomainLoyalty, r.Domain)
}
