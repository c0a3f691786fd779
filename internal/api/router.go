// Claudegate - Multi-User OAuth Token Broker for Claude
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/claudegate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/claudegate/internal/config"
)

// NewRouter assembles the Chi router: global middleware, operational
// endpoints, and the identity-guarded /auth/claude group.
func NewRouter(h *Handler, server config.ServerConfig, apiKeys map[string]string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// CORS is global so OPTIONS preflight never hits the identity check.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "x-api-key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operational endpoints: unauthenticated, unthrottled.
	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/auth/claude", func(r chi.Router) {
		if !server.RateLimitDisabled && server.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(server.RateLimitReqs, server.RateLimitWindow))
		}
		r.Use(Identity(apiKeys))

		r.Post("/start", h.StartFlow)
		r.Post("/callback", h.CompleteFlow)
		r.Get("/status", h.Status)
		r.Post("/refresh", h.Refresh)
		r.Delete("/revoke", h.Revoke)
		r.Get("/health", h.Health)
	})

	return r
}
