// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pdffusion/keygate/internal/buildinfo"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/", h.health)
	r.Get("/health", h.health)
}

func (h *HealthHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
		})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "keygate",
		"version": buildinfo.Version,
	})
}
