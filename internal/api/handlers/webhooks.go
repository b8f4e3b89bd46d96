// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/gumroad"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/services/activation"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	log     zerolog.Logger
	issuer  *activation.Issuer
	metrics *metrics.Manager
	secret  string
}

func NewWebhookHandler(log zerolog.Logger, issuer *activation.Issuer, m *metrics.Manager, secret string) *WebhookHandler {
	return &WebhookHandler{
		log:     log.With().Str("handler", "webhooks").Logger(),
		issuer:  issuer,
		metrics: m,
		secret:  secret,
	}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/gumroad", h.gumroad)
}

func (h *WebhookHandler) gumroad(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	signature := r.Header.Get("X-Gumroad-Signature")
	if err := gumroad.VerifySignature(h.secret, body, signature); err != nil {
		h.metrics.Webhook("rejected")
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook signature verification failed")
		RespondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	sale, err := gumroad.ParseBody(r.Header.Get("Content-Type"), body)
	if err != nil {
		h.metrics.Webhook("malformed")
		if errors.Is(err, gumroad.ErrMissingEmail) {
			RespondError(w, http.StatusBadRequest, "missing buyer email")
			return
		}
		RespondError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if sale.Test {
		h.log.Info().Str("email", sale.Email).Msg("Gumroad test ping acknowledged")
		RespondJSON(w, http.StatusOK, map[string]string{"status": "test acknowledged"})
		return
	}

	res, err := h.issuer.Issue(r.Context(), activation.IssueRequest{
		Email:       sale.Email,
		ProductType: string(sale.ProductType()),
		PurchaseID:  sale.PurchaseID(),
		ProductName: sale.ProductName,
	})
	if err != nil {
		h.metrics.Webhook("failed")
		h.log.Error().Err(err).Str("email", sale.Email).Msg("Webhook issuance failed")
		RespondError(w, http.StatusInternalServerError, "failed to issue license")
		return
	}

	h.metrics.Webhook("issued")
	h.metrics.TokenIssued(res.License.ProductType)

	// Gumroad only needs the 200; the code reaches the buyer through the
	// notification channel.
	RespondJSON(w, http.StatusOK, map[string]string{
		"status":    "issued",
		"licenseId": res.License.ID,
	})
}
