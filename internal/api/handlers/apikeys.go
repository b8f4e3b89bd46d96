// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/models"
)

type APIKeyHandler struct {
	log   zerolog.Logger
	store *models.APIKeyStore
}

func NewAPIKeyHandler(log zerolog.Logger, store *models.APIKeyStore) *APIKeyHandler {
	return &APIKeyHandler{
		log:   log.With().Str("handler", "apikeys").Logger(),
		store: store,
	}
}

func (h *APIKeyHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Delete("/{id}", h.delete)
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (h *APIKeyHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "name is required")
		return
	}

	key, err := h.store.Create(r.Context(), req.Name)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create API key")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// The raw key is returned once and never again.
	RespondJSON(w, http.StatusCreated, key)
}

func (h *APIKeyHandler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.GetAll(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list API keys")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if keys == nil {
		keys = []models.APIKey{}
	}

	RespondJSON(w, http.StatusOK, keys)
}

func (h *APIKeyHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrAPIKeyNotFound) {
			RespondError(w, http.StatusNotFound, "api key not found")
			return
		}
		h.log.Error().Err(err).Msg("Failed to delete API key")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
