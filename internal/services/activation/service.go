// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package activation enforces the per-license device seat limit and issues
// new licenses.
package activation

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/metrics"
	"github.com/pdffusion/keygate/internal/models"
)

var (
	ErrLicenseNotFound   = errors.New("license not found")
	ErrSeatLimitExceeded = errors.New("device limit reached for this license")
	ErrLicenseExpired    = errors.New("license expired")

	// ErrLockTimeout means the per-license lock could not be acquired in
	// time. The condition is transient and safe to retry.
	ErrLockTimeout = errors.New("timed out waiting for license lock")
)

const defaultBindLockTimeout = 5 * time.Second

// Outcome classifies the result of a Bind call.
type Outcome string

const (
	OutcomeBound        Outcome = "bound"
	OutcomeAlreadyBound Outcome = "already_bound"
)

// BindNotifier receives activation events. The notifications service
// implements it; tests substitute a recorder.
type BindNotifier interface {
	DeviceBound(lic *models.License, deviceID string, activeDevices int)
}

// BindResult reports a successful bind. ActiveDevices is the count after the
// operation, so it never exceeds the license's MaxDevices.
type BindResult struct {
	Outcome       Outcome         `json:"outcome"`
	License       *models.License `json:"license"`
	Claims        *license.Claims `json:"claims"`
	ActiveDevices int             `json:"activeDevices"`
}

// Service is the device binding controller. All seat accounting for one
// license happens under that license's lock and inside a single write
// transaction, which is what upholds active bindings <= MaxDevices under
// concurrency.
type Service struct {
	log      zerolog.Logger
	db       *database.DB
	codec    *license.Codec
	licenses *models.LicenseStore
	bindings *models.BindingStore
	locks    *keyedLocks
	notifier BindNotifier
	metrics  *metrics.Manager

	lockTimeout time.Duration
	now         func() time.Time
}

// NewService builds the controller. notifier and m may be nil; both are
// fan-out only and never gate a bind.
func NewService(log zerolog.Logger, db *database.DB, codec *license.Codec, notifier BindNotifier, m *metrics.Manager, lockTimeout time.Duration) *Service {
	if lockTimeout <= 0 {
		lockTimeout = defaultBindLockTimeout
	}

	return &Service{
		log:         log.With().Str("service", "activation").Logger(),
		db:          db,
		codec:       codec,
		licenses:    models.NewLicenseStore(db),
		bindings:    models.NewBindingStore(db),
		locks:       newKeyedLocks(),
		notifier:    notifier,
		metrics:     m,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Bind activates token on deviceID. It decodes and verifies the token first
// (expired tokens are rejected before any seat accounting), then runs the
// check-and-update as one atomic unit:
//
//   - an existing active binding for the device is refreshed and reported as
//     OutcomeAlreadyBound without consuming a seat
//   - otherwise a seat is consumed if one is free, or ErrSeatLimitExceeded
//     is returned
//   - the license's first successful bind sets its first-use marker
func (s *Service) Bind(ctx context.Context, token, deviceID, deviceName string) (*BindResult, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}

	claims, err := s.codec.Decode(token)
	if err != nil {
		var expErr *license.ExpiredError
		if errors.As(err, &expErr) {
			return nil, errors.Wrapf(ErrLicenseExpired, "expired on %s", expErr.ExpiredAt.Format("2006-01-02"))
		}
		return nil, err
	}

	lic, err := s.licenses.GetByToken(ctx, license.Normalize(token))
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	release, err := s.locks.acquire(lockCtx, lic.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.log.Warn().Str("licenseId", lic.ID).Dur("timeout", s.lockTimeout).Msg("Bind lock acquisition timed out")
			return nil, ErrLockTimeout
		}
		return nil, err
	}
	defer release()

	result, err := s.bindTx(ctx, lic, deviceID, deviceName)
	if err != nil {
		return nil, err
	}
	result.Claims = claims

	if result.Outcome == OutcomeBound && s.notifier != nil {
		s.notifier.DeviceBound(lic, deviceID, result.ActiveDevices)
	}
	s.refreshBindingGauge(ctx)

	s.log.Info().
		Str("licenseId", lic.ID).
		Str("deviceId", deviceID).
		Str("outcome", string(result.Outcome)).
		Int("activeDevices", result.ActiveDevices).
		Msg("Device bind processed")

	return result, nil
}

// refreshBindingGauge republishes the global active-binding count after a
// seat changes hands. Gauge staleness is tolerable; bind results are not.
func (s *Service) refreshBindingGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	total, err := s.bindings.CountAllActive(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh active bindings gauge")
		return
	}
	s.metrics.SetActiveBindings(total)
}

func (s *Service) bindTx(ctx context.Context, lic *models.License, deviceID, deviceName string) (*BindResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin bind transaction")
	}
	defer tx.Rollback()

	licenses := s.licenses.WithQuerier(tx)
	bindings := s.bindings.WithQuerier(tx)
	now := s.now().UTC().Truncate(time.Second)

	existing, err := bindings.FindActive(ctx, lic.ID, deviceID)
	if err != nil && !errors.Is(err, models.ErrBindingNotFound) {
		return nil, err
	}

	if existing != nil {
		// Idempotent rebind: refresh the binding, consume nothing.
		if err := bindings.Touch(ctx, existing.ID, now); err != nil {
			return nil, err
		}

		count, err := bindings.CountActive(ctx, lic.ID)
		if err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit bind transaction")
		}

		return &BindResult{Outcome: OutcomeAlreadyBound, License: lic, ActiveDevices: count}, nil
	}

	count, err := bindings.CountActive(ctx, lic.ID)
	if err != nil {
		return nil, err
	}
	if count >= lic.MaxDevices {
		return nil, errors.Wrapf(ErrSeatLimitExceeded, "%d of %d devices in use", count, lic.MaxDevices)
	}

	b := &models.DeviceBinding{
		LicenseID:  lic.ID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		BoundAt:    now,
		LastUsedAt: now,
	}
	if err := bindings.Insert(ctx, b); err != nil {
		return nil, err
	}

	if !lic.IsUsed {
		if err := licenses.MarkUsed(ctx, lic.ID, deviceID, now); err != nil {
			return nil, err
		}
		lic.IsUsed = true
		lic.UsedAt = &now
		lic.UsedByDevice = &deviceID
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit bind transaction")
	}

	return &BindResult{Outcome: OutcomeBound, License: lic, ActiveDevices: count + 1}, nil
}

// Unbind releases the seat held by deviceID on the license identified by
// token. Releasing a device that holds no seat returns ErrLicenseNotFound
// semantics from the binding store untouched.
func (s *Service) Unbind(ctx context.Context, token, deviceID string) error {
	lic, err := s.licenses.GetByToken(ctx, license.Normalize(token))
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return ErrLicenseNotFound
		}
		return err
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	release, err := s.locks.acquire(lockCtx, lic.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrLockTimeout
		}
		return err
	}
	defer release()

	if err := s.bindings.Deactivate(ctx, lic.ID, deviceID); err != nil {
		return err
	}

	s.refreshBindingGauge(ctx)

	s.log.Info().Str("licenseId", lic.ID).Str("deviceId", deviceID).Msg("Device unbound")

	return nil
}

// ListRecent exposes the admin activation listing.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]models.LicenseActivation, error) {
	return s.licenses.ListRecent(ctx, limit)
}

// Devices lists all bindings for the license identified by token.
func (s *Service) Devices(ctx context.Context, token string) ([]models.DeviceBinding, error) {
	lic, err := s.licenses.GetByToken(ctx, license.Normalize(token))
	if err != nil {
		if errors.Is(err, models.ErrLicenseNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, err
	}
	return s.bindings.ListByLicense(ctx, lic.ID)
}
