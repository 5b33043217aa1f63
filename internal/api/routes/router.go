package routes

import (
	"net/http"

	"github.com/carelane/patientplatform/backend/internal/api/handlers"
	"github.com/carelane/patientplatform/backend/internal/api/middleware"
	"github.com/carelane/patientplatform/backend/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	eligibilityHandler *handlers.EligibilityHandler
	sweepHandler       *handlers.SweepHandler

	metrics *observability.Metrics
}

// NewRouter creates a new router
func NewRouter(
	eligibilityHandler *handlers.EligibilityHandler,
	sweepHandler *handlers.SweepHandler,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:                http.NewServeMux(),
		eligibilityHandler: eligibilityHandler,
		sweepHandler:       sweepHandler,
		metrics:            metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	// Health check endpoint
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Patient eligibility endpoints
	r.mux.HandleFunc("POST /api/v1/patients", r.eligibilityHandler.RegisterPatient)
	r.mux.HandleFunc("POST /api/v1/patients/{id}/verify", r.eligibilityHandler.VerifyPatient)
	r.mux.HandleFunc("GET /api/v1/patients/{id}/eligibility", r.eligibilityHandler.GetEligibility)
	r.mux.HandleFunc("GET /api/v1/patients/{id}/audit", r.eligibilityHandler.GetAuditTrail)

	// Sweep endpoint
	r.mux.HandleFunc("POST /api/v1/sweeps", r.sweepHandler.RunSweep)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	// CORS wraps everything so headers are set on every response
	handler = middleware.CORSMiddleware(handler)

	return handler
}
