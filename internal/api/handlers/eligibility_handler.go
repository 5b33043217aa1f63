package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/carelane/patientplatform/backend/internal/application/services"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/observability"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// AuditReader exposes the audit trail for the read endpoint.
type AuditReader interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*entities.AuditEntry, error)
}

// EligibilityHandler handles eligibility-related HTTP requests
type EligibilityHandler struct {
	syncService *services.SyncService
	auditReader AuditReader
}

// NewEligibilityHandler creates a new eligibility handler
func NewEligibilityHandler(syncService *services.SyncService, auditReader AuditReader) *EligibilityHandler {
	return &EligibilityHandler{
		syncService: syncService,
		auditReader: auditReader,
	}
}

type registerPatientRequest struct {
	PatientID    string `json:"patient_id"`
	SubscriberID string `json:"subscriber_id"`
}

// RegisterPatient handles POST /api/v1/patients
func (h *EligibilityHandler) RegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req registerPatientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.syncService.RegisterPatient(r.Context(), req.PatientID, req.SubscriberID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, state)
}

// VerifyPatient handles POST /api/v1/patients/{id}/verify
func (h *EligibilityHandler) VerifyPatient(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	outcome, err := h.syncService.VerifyNow(r.Context(), patientID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	response := map[string]interface{}{
		"state":    outcome.State,
		"verified": outcome.Verified,
	}
	if outcome.Busy {
		// Another verification holds the patient; the last committed
		// state is still the answer.
		response["busy"] = true
	}
	if outcome.Transition != nil {
		response["transition"] = outcome.Transition
	}
	if !outcome.Verified && !outcome.Busy {
		observability.PatientLogger(r.Context(), patientID).Warn().
			Err(outcome.FailureErr).
			Msg("Verification failed, serving last committed state")
		response["verification_failed"] = true
		if outcome.State.LastVerifiedAt != nil {
			response["as_of"] = outcome.State.LastVerifiedAt
		}
	}

	respondWithJSON(w, http.StatusOK, response)
}

// GetEligibility handles GET /api/v1/patients/{id}/eligibility
func (h *EligibilityHandler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	state, record, err := h.syncService.GetStatus(r.Context(), patientID)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	response := map[string]interface{}{
		"state": state,
	}
	if record != nil {
		response["record"] = record
	}

	respondWithJSON(w, http.StatusOK, response)
}

// GetAuditTrail handles GET /api/v1/patients/{id}/audit
func (h *EligibilityHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	patientID := r.PathValue("id")
	if patientID == "" {
		respondWithError(w, http.StatusBadRequest, "patient ID is required")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.auditReader.ListByPatient(r.Context(), patientID, limit)
	if err != nil {
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

func respondWithAppError(w http.ResponseWriter, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		switch appErr.Type {
		case apperrors.ErrorTypeNotFound:
			respondWithError(w, http.StatusNotFound, appErr.Message)
		case apperrors.ErrorTypeValidation:
			respondWithError(w, http.StatusBadRequest, appErr.Message)
		case apperrors.ErrorTypeConflict:
			respondWithError(w, http.StatusConflict, appErr.Message)
		default:
			respondWithError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	respondWithError(w, http.StatusInternalServerError, "internal server error")
}
