package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/auth"
	"communityhub/backend/services/credits-service/internal/http/middleware"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/repository"
	"communityhub/backend/services/credits-service/internal/service"
)

// MemberHandlers serves the /credits/me endpoints of the authenticated member.
type MemberHandlers struct {
	credits *service.CreditService
	pricing *service.PricingService
	charges *service.ChargeService
	logger  *zap.Logger
}

// NewMemberHandlers returns handler.
func NewMemberHandlers(credits *service.CreditService, pricing *service.PricingService, charges *service.ChargeService, logger *zap.Logger) *MemberHandlers {
	return &MemberHandlers{credits: credits, pricing: pricing, charges: charges, logger: logger}
}

// requestCharge is a chargeable described by the caller.
type requestCharge struct {
	chargeableType string
	units          float64
	user           *auth.Claims
}

func (c requestCharge) ChargeableType() string     { return c.chargeableType }
func (c requestCharge) BillableUnits() float64     { return c.units }
func (c requestCharge) BillableUser() service.User { return c.user }

func claimsOrUnauthorized(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
	return claims, ok
}

// Balances handles GET /credits/me/balances.
func (h *MemberHandlers) Balances(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrUnauthorized(w, r)
	if !ok {
		return
	}

	balances, err := h.credits.Balances(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
}

// Transactions handles GET /credits/me/transactions.
func (h *MemberHandlers) Transactions(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrUnauthorized(w, r)
	if !ok {
		return
	}

	filter := repository.TransactionFilter{
		UserID:     claims.UserID,
		CreditType: models.CreditType(r.URL.Query().Get("credit_type")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	transactions, err := h.credits.History(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions})
}

type quoteRequest struct {
	ChargeableType string  `json:"chargeable_type"`
	Units          float64 `json:"units"`
}

// Quote handles POST /credits/me/quote.
func (h *MemberHandlers) Quote(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	charge := requestCharge{chargeableType: req.ChargeableType, units: req.Units, user: claims}
	price, err := h.pricing.CalculatePrice(r.Context(), charge, claims)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	full, err := h.pricing.CalculateWithoutCredits(charge)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"price":            price,
		"price_no_credits": full,
		"savings":          price.Savings(),
		"requires_payment": price.RequiresPayment(),
	})
}

type chargeRequest struct {
	ChargeableType string  `json:"chargeable_type"`
	ChargeID       string  `json:"charge_id"`
	Units          float64 `json:"units"`
}

// Charge handles POST /credits/me/charges.
func (h *MemberHandlers) Charge(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req chargeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	outcome, err := h.charges.Settle(r.Context(), requestCharge{
		chargeableType: req.ChargeableType,
		units:          req.Units,
		user:           claims,
	}, req.ChargeID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

type cancelRequest struct {
	ChargeID string `json:"charge_id"`
}

// CancelCharge handles POST /credits/me/charges/cancel.
func (h *MemberHandlers) CancelCharge(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrUnauthorized(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	refunds, err := h.charges.Cancel(r.Context(), claims.UserID, req.ChargeID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": refunds})
}
