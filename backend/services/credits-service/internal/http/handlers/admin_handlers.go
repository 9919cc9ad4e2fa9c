package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/http/middleware"
	"communityhub/backend/services/credits-service/internal/models"
	"communityhub/backend/services/credits-service/internal/service"
)

// AdminHandlers serves the /credits/admin endpoints.
type AdminHandlers struct {
	credits     *service.CreditService
	allocations *service.AllocationService
	logger      *zap.Logger
}

// NewAdminHandlers returns handler.
func NewAdminHandlers(credits *service.CreditService, allocations *service.AllocationService, logger *zap.Logger) *AdminHandlers {
	return &AdminHandlers{credits: credits, allocations: allocations, logger: logger}
}

type adjustmentRequest struct {
	UserID      int64             `json:"user_id"`
	CreditType  models.CreditType `json:"credit_type"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
}

// Adjust handles POST /credits/admin/adjustments.
func (h *AdminHandlers) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.credits.Adjust(r.Context(), service.AdjustInput{
		UserID:      req.UserID,
		Amount:      req.Amount,
		CreditType:  req.CreditType,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		h.logger.Info("balance adjusted",
			zap.Int64("admin_id", claims.UserID),
			zap.Int64("user_id", req.UserID),
			zap.String("credit_type", string(req.CreditType)),
			zap.Int64("amount", req.Amount),
		)
	}
	writeJSON(w, http.StatusCreated, entry)
}

type allocationRequest struct {
	UserID     int64             `json:"user_id"`
	CreditType models.CreditType `json:"credit_type"`
	Amount     int64             `json:"amount"`
	Frequency  models.Frequency  `json:"frequency"`
}

// Allocate handles POST /credits/admin/allocations.
func (h *AdminHandlers) Allocate(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Frequency == "" {
		req.Frequency = models.FrequencyMonthly
	}

	result, err := h.allocations.Allocate(r.Context(), service.AllocateInput{
		UserID:     req.UserID,
		CreditType: req.CreditType,
		Amount:     req.Amount,
		Frequency:  req.Frequency,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type scheduleRequest struct {
	UserID     int64             `json:"user_id"`
	CreditType models.CreditType `json:"credit_type"`
}

// Deactivate handles POST /credits/admin/allocations/deactivate.
func (h *AdminHandlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.allocations.DeactivateSchedule(r.Context(), req.UserID, req.CreditType); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify handles GET /credits/admin/ledger/verify?user_id=&credit_type=.
func (h *AdminHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	creditType, err := models.ParseCreditType(r.URL.Query().Get("credit_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.credits.VerifyBalance(r.Context(), userID, creditType); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "consistent"})
}
