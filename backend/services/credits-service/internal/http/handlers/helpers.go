package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"communityhub/backend/services/credits-service/internal/repository"
	"communityhub/backend/services/credits-service/internal/service"
)

const maxBodyBytes = 1 << 16

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// writeServiceError maps service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrChargeAlreadyPaid), errors.Is(err, service.ErrChargeAlreadyRefund):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrChargeNotFound), errors.Is(err, repository.ErrScheduleNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNoPricingConfigured), errors.Is(err, service.ErrNoCreditPolicy):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrLedgerMismatch):
		logger.Error("ledger mismatch", zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
	case service.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("credits request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
