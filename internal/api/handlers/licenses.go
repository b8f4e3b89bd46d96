// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/models"
	"github.com/pdffusion/keygate/internal/services/activation"
)

type LicenseHandler struct {
	log     zerolog.Logger
	issuer  *activation.Issuer
	service *activation.Service
	metrics *metrics.Manager
}

func NewLicenseHandler(log zerolog.Logger, issuer *activation.Issuer, service *activation.Service, m *metrics.Manager) *LicenseHandler {
	return &LicenseHandler{
		log:     log.With().Str("handler", "licenses").Logger(),
		issuer:  issuer,
		service: service,
		metrics: m,
	}
}

func (h *LicenseHandler) Routes(r chi.Router) {
	r.Post("/verify", h.verify)
	r.Post("/deactivate", h.deactivate)
}

func (h *LicenseHandler) AdminRoutes(r chi.Router) {
	r.Post("/generate", h.generate)
	r.Get("/activations", h.activations)
	r.Get("/devices", h.devices)
}

type generateRequest struct {
	Email       string `json:"email"`
	ProductType string `json:"productType"`
	PurchaseID  string `json:"purchaseId"`
	ProductName string `json:"productName"`
}

func (h *LicenseHandler) generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.issuer.Issue(r.Context(), activation.IssueRequest{
		Email:       req.Email,
		ProductType: req.ProductType,
		PurchaseID:  req.PurchaseID,
		ProductName: req.ProductName,
	})
	if err != nil {
		if errors.Is(err, license.ErrUnknownProductType) {
			RespondError(w, http.StatusBadRequest, "unknown product type")
			return
		}
		h.log.Error().Err(err).Msg("License generation failed")
		RespondError(w, http.StatusInternalServerError, "failed to generate license")
		return
	}

	h.metrics.TokenIssued(res.License.ProductType)

	RespondJSON(w, http.StatusCreated, res)
}

type verifyRequest struct {
	Code       string `json:"code"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (h *LicenseHandler) verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" || req.DeviceID == "" {
		RespondError(w, http.StatusBadRequest, "code and deviceId are required")
		return
	}

	res, err := h.service.Bind(r.Context(), req.Code, req.DeviceID, req.DeviceName)
	if err != nil {
		h.respondBindError(w, err)
		return
	}

	h.metrics.BindOutcome(string(res.Outcome))

	RespondJSON(w, http.StatusOK, res)
}

// respondBindError maps controller errors onto HTTP statuses. Decode
// failures get one uniform message so responses leak nothing about which
// check failed.
func (h *LicenseHandler) respondBindError(w http.ResponseWriter, err error) {
	var expErr *license.ExpiredError

	switch {
	case license.IsDecodeFailure(err):
		h.metrics.DecodeFailure(decodeFailureKind(err))
		RespondError(w, http.StatusUnauthorized, "invalid activation code")

	case errors.Is(err, activation.ErrLicenseExpired):
		h.metrics.DecodeFailure("expired")
		RespondError(w, http.StatusForbidden, err.Error())

	case errors.As(err, &expErr):
		h.metrics.DecodeFailure("expired")
		RespondError(w, http.StatusForbidden, expErr.Error())

	case errors.Is(err, activation.ErrLicenseNotFound):
		RespondError(w, http.StatusUnauthorized, "invalid activation code")

	case errors.Is(err, activation.ErrSeatLimitExceeded):
		h.metrics.BindOutcome("seat_limit_exceeded")
		RespondError(w, http.StatusConflict, err.Error())

	case errors.Is(err, activation.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		RespondError(w, http.StatusServiceUnavailable, "activation busy, retry shortly")

	default:
		h.log.Error().Err(err).Msg("Bind failed")
		RespondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeFailureKind(err error) string {
	switch {
	case errors.Is(err, license.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, license.ErrUnsupportedVersion):
		return "unsupported_version"
	case errors.Is(err, license.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "authentication"
	}
}

type deactivateRequest struct {
	Code     string `json:"code"`
	DeviceID string `json:"deviceId"`
}

func (h *LicenseHandler) deactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" || req.DeviceID == "" {
		RespondError(w, http.StatusBadRequest, "code and deviceId are required")
		return
	}

	err := h.service.Unbind(r.Context(), req.Code, req.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, activation.ErrLicenseNotFound):
			RespondError(w, http.StatusUnauthorized, "invalid activation code")
		case errors.Is(err, models.ErrBindingNotFound):
			RespondError(w, http.StatusNotFound, "device is not bound to this license")
		case errors.Is(err, activation.ErrLockTimeout):
			w.Header().Set("Retry-After", "1")
			RespondError(w, http.StatusServiceUnavailable, "activation busy, retry shortly")
		default:
			h.log.Error().Err(err).Msg("Deactivation failed")
			RespondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	h.metrics.BindOutcome("unbound")

	RespondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *LicenseHandler) activations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			RespondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	list, err := h.service.ListRecent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list activations")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if list == nil {
		list = []models.LicenseActivation{}
	}

	RespondJSON(w, http.StatusOK, list)
}

func (h *LicenseHandler) devices(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		RespondError(w, http.StatusBadRequest, "code is required")
		return
	}

	list, err := h.service.Devices(r.Context(), code)
	if err != nil {
		if errors.Is(err, activation.ErrLicenseNotFound) {
			RespondError(w, http.StatusNotFound, "license not found")
			return
		}
		h.log.Error().Err(err).Msg("Failed to list devices")
		RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if list == nil {
		list = []models.DeviceBinding{}
	}

	RespondJSON(w, http.StatusOK, list)
}
