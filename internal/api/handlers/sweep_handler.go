package handlers

import (
	"net/http"
	"time"

	"github.com/carelane/patientplatform/backend/internal/application/services"
	"github.com/carelane/patientplatform/backend/internal/domain/entities"
	apperrors "github.com/carelane/patientplatform/backend/pkg/errors"
)

// SweepHandler handles batch sweep HTTP requests
type SweepHandler struct {
	syncService *services.SyncService
}

// NewSweepHandler creates a new sweep handler
func NewSweepHandler(syncService *services.SyncService) *SweepHandler {
	return &SweepHandler{syncService: syncService}
}

// RunSweep handles POST /api/v1/sweeps. The sweep runs synchronously
// and the response carries its summary; operators trigger this outside
// the periodic schedule when payer data is known to have changed. An
// optional as_of query parameter (payer date format) classifies records
// against a coverage date other than today.
func (h *SweepHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.ParseInLocation(entities.PayerDateFormat, raw, time.UTC)
		if err != nil {
			respondWithAppError(w, apperrors.NewValidationError("as_of must use the payer date format YYYYMMDD"))
			return
		}
		asOf = parsed
	}

	summary, err := h.syncService.RunBatchSweep(r.Context(), asOf)
	if err != nil {
		if summary != nil {
			// Cancelled mid-sweep; report what finished.
			respondWithJSON(w, http.StatusOK, summary)
			return
		}
		respondWithAppError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}
