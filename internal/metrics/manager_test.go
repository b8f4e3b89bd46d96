// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerExposition(t *testing.T) {
	t.Parallel()

	m := NewManager(zerolog.Nop())

	m.TokenIssued("business")
	m.TokenIssued("business")
	m.DecodeFailure("checksum_mismatch")
	m.BindOutcome("bound")
	m.BindOutcome("seat_limit_exceeded")
	m.SetActiveBindings(7)
	m.Webhook("issued")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, `keygate_tokens_issued_total{product_type="business"} 2`))
	assert.True(t, strings.Contains(text, `keygate_decode_failures_total{kind="checksum_mismatch"} 1`))
	assert.True(t, strings.Contains(text, `keygate_bind_outcomes_total{outcome="bound"} 1`))
	assert.True(t, strings.Contains(text, `keygate_active_bindings 7`))
	assert.True(t, strings.Contains(text, `keygate_webhooks_total{result="issued"} 1`))
}
