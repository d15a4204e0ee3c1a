package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercato/ledger-engine/api"
	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
	"github.com/mercato/ledger-engine/loyalty"
	"github.com/mercato/ledger-engine/stock"
	"github.com/mercato/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRouter(t *testing.T) *chi.Mux {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	loyaltyPolicy := &loyalty.Policy{
		MinRedeemPoints:  100,
		MaxRedeemPercent: 50,
		RedeemRate:       2,
		PointsPerAmount:  50,
	}
	policies := ledger.PolicySet{
		ledger.DomainStock:   &stock.Policy{DefaultRestockThreshold: 3},
		ledger.DomainLoyalty: loyaltyPolicy,
		ledger.DomainCoupon:  &coupon.Policy{},
	}

	coord := ledger.NewCoordinator(store, policies, nil, zerolog.Nop(), ledger.CoordinatorOptions{})
	queries := ledger.NewQueries(store, policies)
	catalog := coupon.NewCatalog(store, coupon.CatalogOptions{})
	handler := api.NewHandler(coord, queries, catalog, store, loyaltyPolicy, zerolog.Nop())

	return api.NewRouter(handler, zerolog.Nop())
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

// =============================================================================
// STOCK FLOW
// =============================================================================

func TestAPI_Stock_ReceiveSellBalance(t *testing.T) {
	router := newTestRouter(t)

	rec, body := doJSON(t, router, "POST", "/api/stock/prod-1/receive",
		map[string]any{"quantity": 10, "correlation_id": "rcv-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", body["outcome"])
	assert.Equal(t, float64(10), body["new_balance"])

	rec, body = doJSON(t, router, "POST", "/api/stock/prod-1/sell",
		map[string]any{"quantity": 4, "correlation_id": "sale-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), body["new_balance"])

	rec, body = doJSON(t, router, "GET", "/api/stock/prod-1/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(6), body["current"])
	assert.Equal(t, "stock", body["domain"])
}

func TestAPI_Stock_Oversell_400WithRule(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/stock/prod-1/receive",
		map[string]any{"quantity": 2, "correlation_id": "rcv-1"})

	rec, body := doJSON(t, router, "POST", "/api/stock/prod-1/sell",
		map[string]any{"quantity": 5, "correlation_id": "sale-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_stock", body["rule"])
	assert.Equal(t, float64(2), body["available"])
	assert.Equal(t, "only 2 unit(s) available", body["error"])
}

func TestAPI_Stock_SellFromEmpty_ReportsZeroAvailable(t *testing.T) {
	// Sold out is the answer the storefront most needs; "available": 0
	// must be in the body, not omitted.

	router := newTestRouter(t)

	rec, body := doJSON(t, router, "POST", "/api/stock/prod-1/sell",
		map[string]any{"quantity": 1, "correlation_id": "sale-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "insufficient_stock", body["rule"])
	available, ok := body["available"]
	require.True(t, ok, "available field present at zero stock")
	assert.Equal(t, float64(0), available)
	assert.Equal(t, "only 0 unit(s) available", body["error"])
}

func TestAPI_Stock_DuplicateCorrelation_200Duplicate(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/stock/prod-1/receive",
		map[string]any{"quantity": 10, "correlation_id": "rcv-1"})

	payload := map[string]any{"quantity": 1, "correlation_id": "sale-9"}
	rec, first := doJSON(t, router, "POST", "/api/stock/prod-1/sell", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, second := doJSON(t, router, "POST", "/api/stock/prod-1/sell", payload)
	require.Equal(t, http.StatusOK, rec.Code, "a duplicate is a success, not an error")
	assert.Equal(t, "duplicate", second["outcome"])
	assert.Equal(t, first["new_balance"], second["new_balance"])
	assert.Equal(t, first["ledger_entry_id"], second["ledger_entry_id"])
}

func TestAPI_Stock_MissingCorrelation_400(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "POST", "/api/stock/prod-1/sell",
		map[string]any{"quantity": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Stock_LedgerAndVerify(t *testing.T) {
	router := newTestRouter(t)

	for i, qty := range []int{10, -2, -3} {
		path := "/api/stock/prod-1/receive"
		body := map[string]any{"quantity": qty, "correlation_id": fmt.Sprintf("op-%d", i)}
		if qty < 0 {
			path = "/api/stock/prod-1/sell"
			body["quantity"] = -qty
		}
		rec, _ := doJSON(t, router, "POST", path, body)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest("GET", "/api/stock/prod-1/ledger?offset=1&limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, float64(-2), entries[0]["delta"])
	assert.Equal(t, float64(8), entries[0]["resulting_balance"])

	rec2, verify := doJSON(t, router, "GET", "/api/stock/prod-1/verify", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, true, verify["consistent"])
	assert.Equal(t, float64(5), verify["stored"])
}

func TestAPI_Balance_Unknown_404(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "GET", "/api/stock/ghost/balance", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LOYALTY FLOW
// =============================================================================

func TestAPI_Loyalty_EarnFromOrderTotal(t *testing.T) {
	router := newTestRouter(t)

	// 1 point per 50 spent: 275.00 earns 5
	rec, body := doJSON(t, router, "POST", "/api/loyalty/user-1/earn",
		map[string]any{"order_total": "275.00", "correlation_id": "earn-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(5), body["points_earned"])
	assert.Equal(t, float64(5), body["new_balance"])
}

func TestAPI_Loyalty_RedeemOverCap_400(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "POST", "/api/loyalty/user-1/earn",
		map[string]any{"points": 5000, "correlation_id": "earn-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Cap: 1000 * 50% * 2 = 1000 points max on this order
	rec, body := doJSON(t, router, "POST", "/api/loyalty/user-1/redeem",
		map[string]any{"points": 1001, "order_total": "1000", "correlation_id": "redeem-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "exceeds_redeem_cap", body["rule"])
	assert.Equal(t, float64(1000), body["max_allowed"])
}

func TestAPI_Loyalty_Redeem_ReportsDiscount(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/loyalty/user-1/earn",
		map[string]any{"points": 1000, "correlation_id": "earn-1"})

	rec, body := doJSON(t, router, "POST", "/api/loyalty/user-1/redeem",
		map[string]any{"points": 400, "order_total": "1000", "correlation_id": "redeem-1"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(600), body["new_balance"])
	assert.Equal(t, "200", body["discount"], "400 points at rate 2 = 200 off")
}

// =============================================================================
// COUPON FLOW
// =============================================================================

func TestAPI_Coupon_CreateAndApply(t *testing.T) {
	router := newTestRouter(t)

	rec, created := doJSON(t, router, "POST", "/api/coupons", map[string]any{
		"code": "TENOFF", "kind": "fixed", "value": "10",
		"min_purchase": "50", "usage_limit": 2, "per_actor_limit": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "TENOFF", created["code"])

	rec, applied := doJSON(t, router, "POST", "/api/coupons/TENOFF/apply",
		map[string]any{"actor_id": "user-1", "order_total": "80", "correlation_id": "ord-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "accepted", applied["outcome"])
	assert.Equal(t, "10", applied["discount"])

	rec, got := doJSON(t, router, "GET", "/api/coupons/TENOFF", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), got["uses"])
}

func TestAPI_Coupon_UsageLimitEnforcedFromCreation(t *testing.T) {
	// The usage record is seeded with the coupon itself, so the cap
	// holds on the very next application with no extra setup.

	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "POST", "/api/coupons", map[string]any{
		"code": "LAST1", "kind": "fixed", "value": "5", "usage_limit": 1,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = doJSON(t, router, "POST", "/api/coupons/LAST1/apply",
		map[string]any{"actor_id": "user-1", "order_total": "20", "correlation_id": "ord-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := doJSON(t, router, "POST", "/api/coupons/LAST1/apply",
		map[string]any{"actor_id": "user-2", "order_total": "20", "correlation_id": "ord-2"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "usage_limit_reached", body["rule"])
	available, ok := body["available"]
	require.True(t, ok, "available field present when exhausted")
	assert.Equal(t, float64(0), available)
}

func TestAPI_Coupon_PerUserLimit_400(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/coupons", map[string]any{
		"code": "ONCE", "kind": "percent", "value": "10", "usage_limit": 100, "per_actor_limit": 1,
	})

	rec, _ := doJSON(t, router, "POST", "/api/coupons/ONCE/apply",
		map[string]any{"actor_id": "user-1", "order_total": "100", "correlation_id": "ord-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, router, "POST", "/api/coupons/ONCE/apply",
		map[string]any{"actor_id": "user-1", "order_total": "100", "correlation_id": "ord-2"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "per_user_limit_reached", body["rule"])

	// A different customer is unaffected
	rec, _ = doJSON(t, router, "POST", "/api/coupons/ONCE/apply",
		map[string]any{"actor_id": "user-2", "order_total": "100", "correlation_id": "ord-3"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_Coupon_Expired_400(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/coupons", map[string]any{
		"code": "OLD", "kind": "fixed", "value": "5",
		"expires_at": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	})

	rec, body := doJSON(t, router, "POST", "/api/coupons/OLD/apply",
		map[string]any{"actor_id": "user-1", "order_total": "100", "correlation_id": "ord-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "coupon_expired", body["rule"])
}

func TestAPI_Coupon_BelowMinPurchase_400(t *testing.T) {
	router := newTestRouter(t)

	_, _ = doJSON(t, router, "POST", "/api/coupons", map[string]any{
		"code": "BIG", "kind": "fixed", "value": "20", "min_purchase": "100",
	})

	rec, body := doJSON(t, router, "POST", "/api/coupons/BIG/apply",
		map[string]any{"actor_id": "user-1", "order_total": "99.99", "correlation_id": "ord-1"})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "below_min_purchase", body["rule"])
}

func TestAPI_Coupon_UnknownCode_404(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "POST", "/api/coupons/NOPE/apply",
		map[string]any{"actor_id": "user-1", "order_total": "10", "correlation_id": "ord-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// GENERIC APPLY AND HEALTH
// =============================================================================

func TestAPI_GenericApply(t *testing.T) {
	router := newTestRouter(t)

	rec, body := doJSON(t, router, "POST", "/api/apply", map[string]any{
		"domain": "stock", "subject_id": "prod-1", "delta": 25,
		"reason": "restock", "correlation_id": "adj-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(25), body["new_balance"])
}

func TestAPI_GenericApply_UnknownDomain_400(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := doJSON(t, router, "POST", "/api/apply", map[string]any{
		"domain": "giftcard", "subject_id": "x", "delta": 1, "correlation_id": "c-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	router := newTestRouter(t)

	rec, body := doJSON(t, router, "GET", "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
