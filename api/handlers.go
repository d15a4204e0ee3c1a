/*
handlers.go - HTTP handlers for the balance-and-ledger engine

PURPOSE:
  Exposes the engine via REST. Handlers parse and validate input, build
  an ApplyRequest, delegate to the coordinator or the query surface, and
  map engine errors onto HTTP statuses.

ENDPOINTS:
  Generic:
    POST /api/apply                          One signed delta, any domain

  Stock:
    POST /api/stock/{id}/sell                Sale (negative delta)
    POST /api/stock/{id}/receive             Delivery (positive delta)
    POST /api/stock/{id}/adjust              Signed manual correction

  Loyalty:
    POST /api/loyalty/{id}/earn              Award points
    POST /api/loyalty/{id}/redeem            Spend points against an order

  Coupons:
    POST /api/coupons                        Create (code generated if absent)
    GET  /api/coupons/{code}                 Definition plus usage count
    POST /api/coupons/{code}/apply           Apply to an order

  Queries (domain is stock|loyalty|coupon):
    GET  /api/{domain}/{id}/balance
    GET  /api/{domain}/{id}/ledger?offset=&limit=
    GET  /api/{domain}/{id}/verify           Ledger replay audit

ERROR MAPPING:
  400  policy rejections (with rule + actionable numbers), bad input
  404  unknown coupon code / missing balance record
  409  retry budget exhausted under contention (safe to retry)
  500  storage faults

  A duplicate correlation ID is NOT an error: the prior result is
  returned with outcome "duplicate" and status 200.

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
  - ledger/coordinator.go: What Apply actually does
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mercato/ledger-engine/coupon"
	"github.com/mercato/ledger-engine/ledger"
	"github.com/mercato/ledger-engine/loyalty"
	"github.com/mercato/ledger-engine/stock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Coordinator *ledger.Coordinator
	Queries     *ledger.Queries
	Catalog     *coupon.Catalog
	Store       ledger.Store

	// Domain policies, for earn-rate math and rejection messages.
	Loyalty *loyalty.Policy

	log zerolog.Logger
}

// NewHandler creates a handler over the engine's moving parts.
func NewHandler(coord *ledger.Coordinator, queries *ledger.Queries, catalog *coupon.Catalog, store ledger.Store, loyaltyPolicy *loyalty.Policy, log zerolog.Logger) *Handler {
	return &Handler{
		Coordinator: coord,
		Queries:     queries,
		Catalog:     catalog,
		Store:       store,
		Loyalty:     loyaltyPolicy,
		log:         log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// GENERIC APPLY
// =============================================================================

// Apply handles the generic mutation endpoint.
// POST /api/apply
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	orderTotal, err := parseMoney(req.OrderTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.Domain(req.Domain),
		SubjectID:     ledger.SubjectID(req.SubjectID),
		Delta:         req.Delta,
		Reason:        req.Reason,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
		Context:       ledger.PolicyContext{OrderTotal: orderTotal},
	}, nil)
}

// apply runs one coordinator call and writes the response. decorate,
// when non-nil, enriches the success DTO (discount values, earn info).
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, req ledger.ApplyRequest, decorate func(*ApplyResultDTO)) {
	result, err := h.Coordinator.Apply(r.Context(), req)
	if err != nil {
		h.writeApplyError(w, req.Domain, err)
		return
	}
	dto := toApplyResultDTO(result)
	if decorate != nil {
		decorate(&dto)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// STOCK ENDPOINTS
// =============================================================================

// SellStock records a sale.
// POST /api/stock/{id}/sell
func (h *Handler) SellStock(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive", nil)
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainStock,
		SubjectID:     ledger.SubjectID(chi.URLParam(r, "id")),
		Delta:         -req.Quantity,
		Reason:        stock.ReasonSale,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
	}, nil)
}

// ReceiveStock records an inbound delivery.
// POST /api/stock/{id}/receive
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "quantity must be positive", nil)
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainStock,
		SubjectID:     ledger.SubjectID(chi.URLParam(r, "id")),
		Delta:         req.Quantity,
		Reason:        stock.ReasonReceive,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
	}, nil)
}

// AdjustStock records a signed manual correction.
// POST /api/stock/{id}/adjust
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = stock.ReasonManual
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainStock,
		SubjectID:     ledger.SubjectID(chi.URLParam(r, "id")),
		Delta:         req.Delta,
		Reason:        reason,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
	}, nil)
}

// =============================================================================
// LOYALTY ENDPOINTS
// =============================================================================

// EarnPoints awards points, either given directly or computed from the
// order total at the configured earn rate.
// POST /api/loyalty/{id}/earn
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	orderTotal, err := parseMoney(req.OrderTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	points := req.Points
	if points == 0 {
		points = h.Loyalty.EarnedPoints(orderTotal)
	}
	if points <= 0 {
		writeError(w, http.StatusBadRequest, "nothing to award for this order", nil)
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainLoyalty,
		SubjectID:     ledger.SubjectID(chi.URLParam(r, "id")),
		Delta:         points,
		Reason:        loyalty.ReasonEarn,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
		Context:       ledger.PolicyContext{OrderTotal: orderTotal},
	}, func(dto *ApplyResultDTO) {
		dto.PointsEarned = points
	})
}

// RedeemPoints spends points against an order.
// POST /api/loyalty/{id}/redeem
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Points <= 0 {
		writeError(w, http.StatusBadRequest, "points must be positive", nil)
		return
	}
	orderTotal, err := parseMoney(req.OrderTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainLoyalty,
		SubjectID:     ledger.SubjectID(chi.URLParam(r, "id")),
		Delta:         -req.Points,
		Reason:        loyalty.ReasonRedeem,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
		Context:       ledger.PolicyContext{OrderTotal: orderTotal},
	}, func(dto *ApplyResultDTO) {
		dto.Discount = h.Loyalty.DiscountValue(req.Points).String()
	})
}

// =============================================================================
// COUPON ENDPOINTS
// =============================================================================

// CreateCoupon defines a coupon. The store seeds the usage record with
// the configured limits in the same transaction as the definition.
// POST /api/coupons
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err)
		return
	}
	minPurchase, err := parseMoney(req.MinPurchase)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid min_purchase", err)
		return
	}
	var expiresAt time.Time
	if req.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC3339)", err)
			return
		}
	}

	c, err := h.Catalog.Create(r.Context(), coupon.CreateSpec{
		Code:          req.Code,
		Kind:          coupon.DiscountKind(req.Kind),
		Value:         value,
		MinPurchase:   minPurchase,
		UsageLimit:    req.UsageLimit,
		PerActorLimit: req.PerActorLimit,
		ExpiresAt:     expiresAt,
	})
	switch {
	case errors.Is(err, coupon.ErrCodeTaken):
		writeError(w, http.StatusConflict, "Coupon code already exists", nil)
		return
	case errors.Is(err, coupon.ErrCodeExhausted):
		writeError(w, http.StatusInternalServerError, "Could not generate a unique code", nil)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to create coupon", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toCouponDTO(r, c))
}

// GetCoupon returns a coupon definition plus its usage count.
// GET /api/coupons/{code}
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.Catalog.Resolve(r.Context(), chi.URLParam(r, "code"))
	if errors.Is(err, coupon.ErrCouponNotFound) {
		writeError(w, http.StatusNotFound, "Coupon not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toCouponDTO(r, c))
}

// ApplyCoupon applies a coupon to an order. The subject of the usage
// counter is the coupon ID; the code is only its public lookup key.
// POST /api/coupons/{code}/apply
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req ApplyCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required", nil)
		return
	}
	orderTotal, err := parseMoney(req.OrderTotal)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_total", err)
		return
	}

	c, err := h.Catalog.Resolve(r.Context(), chi.URLParam(r, "code"))
	if errors.Is(err, coupon.ErrCouponNotFound) {
		writeError(w, http.StatusNotFound, "Coupon not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load coupon", err)
		return
	}
	if !c.Active {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "coupon has expired",
			Rule:  coupon.RuleExpired,
		})
		return
	}

	h.apply(w, r, ledger.ApplyRequest{
		Domain:        ledger.DomainCoupon,
		SubjectID:     ledger.SubjectID(c.ID),
		Delta:         1,
		Reason:        coupon.ReasonApplied,
		ActorID:       req.ActorID,
		CorrelationID: req.CorrelationID,
		Context: ledger.PolicyContext{
			OrderTotal:        orderTotal,
			CouponExpiresAt:   c.ExpiresAt,
			CouponMinPurchase: c.MinPurchase,
		},
	}, func(dto *ApplyResultDTO) {
		dto.Discount = c.DiscountFor(orderTotal).String()
	})
}

func (h *Handler) toCouponDTO(r *http.Request, c *coupon.Coupon) CouponDTO {
	dto := CouponDTO{
		ID:            c.ID,
		Code:          c.Code,
		Kind:          string(c.Kind),
		Value:         c.Value.String(),
		UsageLimit:    c.UsageLimit,
		PerActorLimit: c.PerActorLimit,
		Active:        c.Active,
	}
	if !c.MinPurchase.IsZero() {
		dto.MinPurchase = c.MinPurchase.String()
	}
	if !c.ExpiresAt.IsZero() {
		dto.ExpiresAt = c.ExpiresAt.Format(time.RFC3339)
	}
	// Usage count is best-effort: a missing record reads as zero uses.
	if record, err := h.Store.GetBalance(r.Context(), ledger.DomainCoupon, ledger.SubjectID(c.ID)); err == nil {
		dto.Uses = record.Current
	}
	return dto
}

// =============================================================================
// QUERY ENDPOINTS
// =============================================================================

// GetBalance returns a subject's balance record.
// GET /api/{domain}/{id}/balance
func (h *Handler) GetBalance(domain ledger.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := h.Queries.GetBalance(r.Context(), domain, h.subjectID(r, domain))
		if errors.Is(err, ledger.ErrSubjectNotFound) {
			writeError(w, http.StatusNotFound, "No balance record for subject", nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read balance", err)
			return
		}
		writeJSON(w, http.StatusOK, toBalanceDTO(record))
	}
}

// GetLedger returns a page of a subject's audit trail.
// GET /api/{domain}/{id}/ledger?offset=&limit=
func (h *Handler) GetLedger(domain ledger.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := ledger.Page{
			Offset: queryInt(r, "offset"),
			Limit:  queryInt(r, "limit"),
		}
		entries, err := h.Queries.GetLedger(r.Context(), domain, h.subjectID(r, domain), page)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to read ledger", err)
			return
		}
		writeJSON(w, http.StatusOK, toEntryDTOs(entries))
	}
}

// Verify replays a subject's full ledger and compares with the stored
// balance.
// GET /api/{domain}/{id}/verify
func (h *Handler) Verify(domain ledger.Domain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := h.Queries.ReplayAndVerify(r.Context(), domain, h.subjectID(r, domain))
		if errors.Is(err, ledger.ErrSubjectNotFound) {
			writeError(w, http.StatusNotFound, "No balance record for subject", nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to verify", err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyDTO{
			Domain:         string(report.Domain),
			SubjectID:      string(report.SubjectID),
			InitialBalance: report.InitialBalance,
			LedgerSum:      report.LedgerSum,
			Stored:         report.Stored,
			Consistent:     report.Consistent,
		})
	}
}

// subjectID extracts the route subject. Coupon routes carry the public
// code, which is resolved to the coupon ID.
func (h *Handler) subjectID(r *http.Request, domain ledger.Domain) ledger.SubjectID {
	if domain == ledger.DomainCoupon {
		code := chi.URLParam(r, "code")
		if c, err := h.Catalog.Resolve(r.Context(), code); err == nil {
			return ledger.SubjectID(c.ID)
		}
		return ledger.SubjectID(code)
	}
	return ledger.SubjectID(chi.URLParam(r, "id"))
}

// Health is the liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func (h *Handler) writeApplyError(w http.ResponseWriter, domain ledger.Domain, err error) {
	var rejection *ledger.RejectionError
	if errors.As(err, &rejection) {
		resp := ErrorResponse{
			Error: rejectionMessage(domain, rejection),
			Rule:  rejection.Rule,
		}
		switch rejection.Rule {
		case stock.RuleInsufficientStock, loyalty.RuleInsufficientPoints, coupon.RuleUsageLimit:
			// Always reported for these rules, zero included.
			resp.Available = &rejection.Available
		default:
			if rejection.Available != 0 {
				resp.Available = &rejection.Available
			}
		}
		if rejection.MinAllowed != 0 {
			resp.MinAllowed = &rejection.MinAllowed
		}
		if rejection.MaxAllowed != 0 {
			resp.MaxAllowed = &rejection.MaxAllowed
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	switch {
	case errors.Is(err, ledger.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "the subject is under heavy contention, please retry",
			Rule:  "conflict",
		})
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	default:
		h.log.Error().Err(err).Str("domain", string(domain)).Msg("apply failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// rejectionMessage picks the domain's user-facing renderer.
func rejectionMessage(domain ledger.Domain, err *ledger.RejectionError) string {
	switch domain {
	case ledger.DomainStock:
		return stock.RejectionMessage(err)
	case ledger.DomainLoyalty:
		return loyalty.RejectionMessage(err)
	case ledger.DomainCoupon:
		return coupon.RejectionMessage(err)
	default:
		return err.Message
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}
