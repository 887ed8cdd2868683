// Package server provides HTTP server setup for the respond service.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-respond/common/logging"
	"github.com/telhawk-systems/telhawk-respond/common/middleware"
	"github.com/telhawk-systems/telhawk-respond/internal/handlers"
)

// NewRouter constructs a ServeMux with respond API routes registered.
func NewRouter(h *handlers.Handler, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Case routes
	mux.HandleFunc("GET /api/v1/cases", h.ListCases)
	mux.HandleFunc("POST /api/v1/cases", h.CreateCase)
	mux.HandleFunc("GET /api/v1/cases/{id}", h.GetCase)
	mux.HandleFunc("POST /api/v1/cases/{id}/comments", h.AddComment)
	mux.HandleFunc("POST /api/v1/cases/{id}/close", h.CloseCase)
	mux.HandleFunc("PATCH /api/v1/cases/{id}/status", h.UpdateStatus)

	// Rule routes
	mux.HandleFunc("GET /api/v1/rules", h.ListRules)
	mux.HandleFunc("POST /api/v1/rules/reload", h.ReloadRules)

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}
