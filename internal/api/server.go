// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api wires the HTTP surface: router, middleware, handlers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/api/handlers"
	"github.com/pdffusion/keygate/internal/api/middleware"
	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/domain"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/models"
	"github.com/pdffusion/keygate/internal/services/activation"
)

type Server struct {
	log zerolog.Logger
	cfg *domain.Config
	srv *http.Server
}

// NewServer assembles the router. Public endpoints (verify, deactivate,
// health, webhooks) need no credentials; everything under /api/admin
// requires an API key.
func NewServer(
	log zerolog.Logger,
	cfg *domain.Config,
	db *database.DB,
	issuer *activation.Issuer,
	service *activation.Service,
	m *metrics.Manager,
) *Server {
	apiKeys := models.NewAPIKeyStore(db)

	licenseHandler := handlers.NewLicenseHandler(log, issuer, service, m)
	webhookHandler := handlers.NewWebhookHandler(log, issuer, m, cfg.GumroadWebhookSecret)
	healthHandler := handlers.NewHealthHandler(db)
	apiKeyHandler := handlers.NewAPIKeyHandler(log, apiKeys)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		}).Handler)
	}

	r.Group(healthHandler.Routes)

	r.Route("/api", func(r chi.Router) {
		licenseHandler.Routes(r)

		r.Route("/webhooks", webhookHandler.Routes)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireAPIKey(log, cfg.AdminAPIKey, apiKeys))
			licenseHandler.AdminRoutes(r)
			r.Route("/keys", apiKeyHandler.Routes)
		})
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		log: log.With().Str("component", "api").Logger(),
		cfg: cfg,
		srv: srv,
	}
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("API server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the assembled router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
