// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package activation

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/models"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

type fixture struct {
	db     *database.DB
	codec  *license.Codec
	svc    *Service
	issuer *Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "keygate.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	codec, err := license.NewCodec(testKey())
	require.NoError(t, err)

	log := zerolog.Nop()

	return &fixture{
		db:     db,
		codec:  codec,
		svc:    NewService(log, db, codec, nil, nil, 0),
		issuer: NewIssuer(log, db, codec, nil),
	}
}

func (f *fixture) issue(t *testing.T, email, productType string) *IssueResult {
	t.Helper()

	res, err := f.issuer.Issue(context.Background(), IssueRequest{
		Email:       email,
		ProductType: productType,
		PurchaseID:  "ORDER-" + productType,
	})
	require.NoError(t, err)

	return res
}

func TestBindConsumesSeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	res, err := f.svc.Bind(ctx, issued.Token, "dev-1", "workstation")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, 1, res.ActiveDevices)
	require.NotNil(t, res.Claims)
	assert.Equal(t, "user@example.com", res.Claims.Email)
}

func TestBindAcceptsDisplayForm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")
	require.NotEqual(t, issued.Token, issued.DisplayCode)

	// The display form is only the first 59 characters; binds must present
	// the full code, hyphenated or not.
	full := license.FormatDisplayFull(issued.Token)
	res, err := f.svc.Bind(ctx, full, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Outcome)
}

func TestBindIdempotentRebind(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	first, err := f.svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, first.Outcome)

	again, err := f.svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyBound, again.Outcome)
	assert.Equal(t, 1, again.ActiveDevices)

	// Rebinding refreshed last_used_at rather than creating a row.
	devices, err := f.svc.Devices(ctx, issued.Token)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestBindFirstUseMarkerSetOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "professional")
	store := models.NewLicenseStore(f.db)

	before, err := store.GetByID(ctx, issued.License.ID)
	require.NoError(t, err)
	assert.False(t, before.IsUsed)

	_, err = f.svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)

	used, err := store.GetByID(ctx, issued.License.ID)
	require.NoError(t, err)
	require.True(t, used.IsUsed)
	require.NotNil(t, used.UsedByDevice)
	assert.Equal(t, "dev-1", *used.UsedByDevice)

	// Later binds by other devices must not move the marker.
	_, err = f.svc.Bind(ctx, issued.Token, "dev-2", "")
	require.NoError(t, err)

	after, err := store.GetByID(ctx, issued.License.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", *after.UsedByDevice)
	assert.Equal(t, used.UsedAt.Unix(), after.UsedAt.Unix())
}

func TestBindSeatLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// personal allows 3 devices
	issued := f.issue(t, "user@example.com", "personal")

	for i := 1; i <= 3; i++ {
		res, err := f.svc.Bind(ctx, issued.Token, fmt.Sprintf("dev-%d", i), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeBound, res.Outcome)
		assert.Equal(t, i, res.ActiveDevices)
	}

	_, err := f.svc.Bind(ctx, issued.Token, "dev-4", "")
	assert.ErrorIs(t, err, ErrSeatLimitExceeded)
}

func TestBindConcurrentSeatLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	const attempts = 10

	var wg sync.WaitGroup
	results := make([]error, attempts)
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Bind(ctx, issued.Token, fmt.Sprintf("dev-%d", i), "")
			results[i] = err
		}(i)
	}
	close(start)
	wg.Wait()

	var bound, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			bound++
		case assert.ErrorIs(t, err, ErrSeatLimitExceeded):
			rejected++
		}
	}

	assert.Equal(t, 3, bound, "exactly the seat limit must succeed")
	assert.Equal(t, 7, rejected)

	count, err := models.NewBindingStore(f.db).CountActive(ctx, issued.License.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestBindUnknownToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// A token encoded with the right key but never persisted decodes fine
	// yet must not bind.
	claims, err := license.NewClaims("ghost@example.com", license.ProductPersonal, "ORDER-GHOST", "", time.Now())
	require.NoError(t, err)
	token, err := f.codec.Encode(claims)
	require.NoError(t, err)

	_, err = f.svc.Bind(ctx, token, "dev-1", "")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestBindRejectsGarbage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Bind(ctx, "PDF-B0101-XXXX-YYYY", "dev-1", "")
	require.Error(t, err)
	assert.True(t, license.IsDecodeFailure(err))
}

func TestBindExpiredToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issuedAt := time.Now().UTC().AddDate(-2, 0, 0)
	f.issuer.WithClock(func() time.Time { return issuedAt })

	issued := f.issue(t, "user@example.com", "personal")

	_, err := f.svc.Bind(ctx, issued.Token, "dev-1", "")
	assert.ErrorIs(t, err, ErrLicenseExpired)

	// No seat was consumed.
	count, cErr := models.NewBindingStore(f.db).CountActive(ctx, issued.License.ID)
	require.NoError(t, cErr)
	assert.Equal(t, 0, count)
}

func TestBindRequiresDeviceID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	issued := f.issue(t, "user@example.com", "personal")

	_, err := f.svc.Bind(context.Background(), issued.Token, "", "")
	require.Error(t, err)
}

func TestUnbindFreesSeat(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	for i := 1; i <= 3; i++ {
		_, err := f.svc.Bind(ctx, issued.Token, fmt.Sprintf("dev-%d", i), "")
		require.NoError(t, err)
	}

	_, err := f.svc.Bind(ctx, issued.Token, "dev-4", "")
	require.ErrorIs(t, err, ErrSeatLimitExceeded)

	require.NoError(t, f.svc.Unbind(ctx, issued.Token, "dev-2"))

	res, err := f.svc.Bind(ctx, issued.Token, "dev-4", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, 3, res.ActiveDevices)
}

func TestUnbindUnknownDevice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	err := f.svc.Unbind(ctx, issued.Token, "never-bound")
	assert.ErrorIs(t, err, models.ErrBindingNotFound)
}

func TestBindLockTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	svc := NewService(zerolog.Nop(), f.db, f.codec, nil, nil, 50*time.Millisecond)

	// Hold the license lock so the bind cannot acquire it.
	release, err := svc.locks.acquire(ctx, issued.License.ID)
	require.NoError(t, err)
	defer release()

	_, err = svc.Bind(ctx, issued.Token, "dev-1", "")
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestBusinessLicenseScenario(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	res, err := f.issuer.Issue(ctx, IssueRequest{
		Email:       "a@b.com",
		ProductType: "business",
		PurchaseID:  "ORDER-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 10, res.License.MaxDevices)
	assert.Equal(t, 730, res.License.DaysValid)

	bound, err := f.svc.Bind(ctx, res.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, bound.Outcome)

	again, err := f.svc.Bind(ctx, res.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyBound, again.Outcome)

	for i := 2; i <= 10; i++ {
		b, err := f.svc.Bind(ctx, res.Token, fmt.Sprintf("dev-%d", i), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeBound, b.Outcome)
	}

	_, err = f.svc.Bind(ctx, res.Token, "dev-11", "")
	assert.ErrorIs(t, err, ErrSeatLimitExceeded)
}

type bindRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *bindRecorder) DeviceBound(lic *models.License, deviceID string, activeDevices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s/%s/%d", lic.Email, deviceID, activeDevices))
}

func TestBindNotifiesOnNewBindingOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	rec := &bindRecorder{}
	svc := NewService(zerolog.Nop(), f.db, f.codec, rec, nil, 0)

	res, err := svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Outcome)

	// Idempotent re-activation does not emit a second event.
	again, err := svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyBound, again.Outcome)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "user@example.com/dev-1/1", rec.events[0])
}

func TestBindUpdatesActiveBindingsGauge(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	issued := f.issue(t, "user@example.com", "personal")

	m := metrics.NewManager(zerolog.Nop())
	svc := NewService(zerolog.Nop(), f.db, f.codec, nil, m, 0)

	_, err := svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	_, err = svc.Bind(ctx, issued.Token, "dev-2", "")
	require.NoError(t, err)

	require.NoError(t, svc.Unbind(ctx, issued.Token, "dev-2"))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rr.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "keygate_active_bindings 1"),
		"expected gauge value 1 in exposition:\n%s", body)
}

func TestBindCancelledMidTransactionLeavesNoPartialState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	issued := f.issue(t, "user@example.com", "personal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The service clock is read inside the bind transaction, after the
	// write transaction has begun and before any row is touched. Cancelling
	// from it aborts the bind mid-flight.
	f.svc.WithClock(func() time.Time {
		cancel()
		return time.Now()
	})

	_, err := f.svc.Bind(ctx, issued.Token, "dev-1", "")
	require.Error(t, err)

	f.svc.WithClock(time.Now)
	ctx = context.Background()

	bindings := models.NewBindingStore(f.db)
	count, err := bindings.CountActive(ctx, issued.License.ID)
	require.NoError(t, err)
	assert.Zero(t, count, "aborted bind must not leave a binding row")

	licenses := models.NewLicenseStore(f.db)
	lic, err := licenses.GetByID(ctx, issued.License.ID)
	require.NoError(t, err)
	assert.False(t, lic.IsUsed, "aborted bind must not mark the license used")

	// The rollback released the writer, so a fresh bind succeeds.
	res, err := f.svc.Bind(ctx, issued.Token, "dev-1", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeBound, res.Outcome)
	assert.Equal(t, 1, res.ActiveDevices)
}
