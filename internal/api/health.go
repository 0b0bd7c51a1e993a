package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mira/internal/healthcheck"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checker *healthcheck.Checker
}

// NewHealthHandler creates a health handler backed by checker.
func NewHealthHandler(checker *healthcheck.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, report)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
