// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/domain"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/services/activation"
)

const (
	testAdminKey      = "test-admin-key"
	testWebhookSecret = "test-webhook-secret"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	codec, err := license.NewCodec(key)
	require.NoError(t, err)

	cfg := &domain.Config{
		Host:                 "127.0.0.1",
		Port:                 7227,
		EncryptionKey:        base64.StdEncoding.EncodeToString(key),
		AdminAPIKey:          testAdminKey,
		BindLockTimeout:      5 * time.Second,
		GumroadWebhookSecret: testWebhookSecret,
	}

	log := zerolog.Nop()
	m := metrics.NewManager(log)
	issuer := activation.NewIssuer(log, db, codec, nil)
	service := activation.NewService(log, db, codec, nil, m, cfg.BindLockTimeout)

	return NewServer(log, cfg, db, issuer, service, m)
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func generateLicense(t *testing.T, h http.Handler, productType string) map[string]any {
	t.Helper()

	rec := doJSON(t, h, http.MethodPost, "/api/admin/generate", testAdminKey, map[string]string{
		"email":       "buyer@example.com",
		"productType": productType,
		"purchaseId":  "ORDER-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/admin/generate", "", map[string]string{
		"email": "a@b.com", "productType": "personal", "purchaseId": "X",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/api/admin/generate", "wrong-key", map[string]string{
		"email": "a@b.com", "productType": "personal", "purchaseId": "X",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGenerateAndVerify(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	res := generateLicense(t, h, "business")
	token, ok := res["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)

	display, ok := res["displayCode"].(string)
	require.True(t, ok)
	assert.LessOrEqual(t, len(display), 59)

	rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-1", "deviceName": "desk",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"outcome":"bound"`)

	// Same device again is idempotent.
	rec = doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"already_bound"`)
}

func TestGenerateUnknownTier(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/admin/generate", testAdminKey, map[string]string{
		"email": "a@b.com", "productType": "ultimate", "purchaseId": "X",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyRejectsBadCode(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/verify", "", map[string]string{
		"code": "PDF-B0101-FAKE", "deviceId": "dev-1",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	// Uniform message regardless of which check failed.
	assert.Contains(t, rec.Body.String(), "invalid activation code")
}

func TestVerifySeatLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	res := generateLicense(t, h, "personal")
	token := res["token"].(string)

	for i := 1; i <= 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
			"code": token, "deviceId": fmt.Sprintf("dev-%d", i),
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-4",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeactivateFreesSeat(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	res := generateLicense(t, h, "personal")
	token := res["token"].(string)

	for i := 1; i <= 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
			"code": token, "deviceId": fmt.Sprintf("dev-%d", i),
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/deactivate", "", map[string]string{
		"code": token, "deviceId": "dev-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/deactivate", "", map[string]string{
		"code": token, "deviceId": "dev-2",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-4",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminActivations(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	res := generateLicense(t, h, "professional")
	token := res["token"].(string)

	rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/admin/activations", testAdminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, float64(1), list[0]["activeDevices"])

	// Unauthenticated listing is rejected.
	rec = doJSON(t, h, http.MethodGet, "/api/admin/activations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminDevices(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	res := generateLicense(t, h, "personal")
	token := res["token"].(string)

	rec := doJSON(t, h, http.MethodPost, "/api/verify", "", map[string]string{
		"code": token, "deviceId": "dev-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/admin/devices?code="+url.QueryEscape(token), testAdminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "dev-1", list[0]["deviceId"])
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/admin/keys", testAdminKey, map[string]string{"name": "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	rawKey := created["key"].(string)
	require.NotEmpty(t, rawKey)

	// The new key authenticates admin requests.
	rec = doJSON(t, h, http.MethodGet, "/api/admin/activations", rawKey, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	id := int64(created["id"].(float64))
	rec = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/api/admin/keys/%d", id), testAdminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Deleted key no longer works.
	rec = doJSON(t, h, http.MethodGet, "/api/admin/activations", rawKey, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signWebhook(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGumroadWebhookIssuesLicense(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	h := srv.Handler()

	values := url.Values{}
	values.Set("email", "buyer@example.com")
	values.Set("product_name", "PDF Fusion Business")
	values.Set("sale_id", "SALE-99")
	body := []byte(values.Encode())

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gumroad", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Gumroad-Signature", signWebhook(testWebhookSecret, body))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"issued"`)

	// The sale produced a business-tier license.
	listRec := doJSON(t, h, http.MethodGet, "/api/admin/activations", testAdminKey, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	assert.True(t, strings.Contains(listRec.Body.String(), `"productType":"business"`))
}

func TestGumroadWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)

	body := []byte("email=buyer%40example.com&product_name=PDF+Fusion")
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gumroad", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Gumroad-Signature", "deadbeef")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
