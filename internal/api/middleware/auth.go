// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/models"
)

const apiKeyHeader = "X-API-Key"

// RequireAPIKey authenticates admin requests via the X-API-Key header. The
// bootstrap key from the config is compared in constant time; anything else
// is looked up by hash in the api_keys table.
func RequireAPIKey(log zerolog.Logger, bootstrapKey string, store *models.APIKeyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(apiKeyHeader)
			if key == "" {
				key = r.URL.Query().Get("apikey")
			}

			if key == "" {
				unauthorized(w)
				return
			}

			if bootstrapKey != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(bootstrapKey)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := store.ValidateAPIKey(r.Context(), key)
			if err != nil {
				log.Error().Err(err).Msg("API key validation failed")
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			if !ok {
				log.Debug().Str("remote", r.RemoteAddr).Msg("Rejected request with invalid API key")
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
