// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/pdffusion/keygate/internal/dbinterface"
)

var ErrBindingNotFound = errors.New("device binding not found")

// DeviceBinding associates a license with a device slot. Deactivated
// bindings stay in the table with active = 0 and no longer count against
// the seat limit.
type DeviceBinding struct {
	ID         int64     `json:"id"`
	LicenseID  string    `json:"licenseId"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName,omitempty"`
	Active     bool      `json:"active"`
	BoundAt    time.Time `json:"boundAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

type BindingStore struct {
	db dbinterface.Querier
}

func NewBindingStore(db dbinterface.Querier) *BindingStore {
	return &BindingStore{db: db}
}

func (s *BindingStore) WithQuerier(q dbinterface.Querier) *BindingStore {
	return &BindingStore{db: q}
}

const bindingColumns = `id, license_id, device_id, device_name, active, bound_at, last_used_at`

func scanBinding(row interface{ Scan(...any) error }) (*DeviceBinding, error) {
	var b DeviceBinding
	err := row.Scan(&b.ID, &b.LicenseID, &b.DeviceID, &b.DeviceName, &b.Active, &b.BoundAt, &b.LastUsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBindingNotFound
		}
		return nil, errors.Wrap(err, "failed to scan device binding")
	}
	return &b, nil
}

// FindActive returns the active binding for (licenseID, deviceID) or
// ErrBindingNotFound.
func (s *BindingStore) FindActive(ctx context.Context, licenseID, deviceID string) (*DeviceBinding, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+bindingColumns+" FROM device_bindings WHERE license_id = ? AND device_id = ? AND active = 1",
		licenseID, deviceID)
	return scanBinding(row)
}

// CountActive returns the number of active bindings for the license.
func (s *BindingStore) CountActive(ctx context.Context, licenseID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM device_bindings WHERE license_id = ? AND active = 1", licenseID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active bindings")
	}
	return count, nil
}

// CountAllActive returns the number of active bindings across every license,
// feeding the active-bindings gauge.
func (s *BindingStore) CountAllActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM device_bindings WHERE active = 1").Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active bindings")
	}
	return count, nil
}

// Insert creates an active binding. A deactivated row for the same
// (license, device) pair is revived in place to satisfy the unique index.
func (s *BindingStore) Insert(ctx context.Context, b *DeviceBinding) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_bindings (license_id, device_id, device_name, active, bound_at, last_used_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (license_id, device_id)
		DO UPDATE SET active = 1, device_name = excluded.device_name, bound_at = excluded.bound_at, last_used_at = excluded.last_used_at`,
		b.LicenseID, b.DeviceID, b.DeviceName, b.BoundAt, b.LastUsedAt)
	if err != nil {
		return errors.Wrap(err, "failed to insert device binding")
	}

	if id, err := res.LastInsertId(); err == nil {
		b.ID = id
	}
	b.Active = true

	return nil
}

// Touch bumps last_used_at on an existing active binding.
func (s *BindingStore) Touch(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE device_bindings SET last_used_at = ? WHERE id = ?", at, id)
	if err != nil {
		return errors.Wrap(err, "failed to touch device binding")
	}
	return nil
}

// Deactivate frees the seat held by (licenseID, deviceID). It reports
// ErrBindingNotFound when no active binding matched.
func (s *BindingStore) Deactivate(ctx context.Context, licenseID, deviceID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE device_bindings SET active = 0 WHERE license_id = ? AND device_id = ? AND active = 1",
		licenseID, deviceID)
	if err != nil {
		return errors.Wrap(err, "failed to deactivate device binding")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return ErrBindingNotFound
	}

	return nil
}

// ListByLicense returns all bindings for a license, active first, newest
// bound first within each group.
func (s *BindingStore) ListByLicense(ctx context.Context, licenseID string) ([]DeviceBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+bindingColumns+" FROM device_bindings WHERE license_id = ? ORDER BY active DESC, bound_at DESC",
		licenseID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list device bindings")
	}
	defer rows.Close()

	var out []DeviceBinding
	for rows.Next() {
		var b DeviceBinding
		if err := rows.Scan(&b.ID, &b.LicenseID, &b.DeviceID, &b.DeviceName, &b.Active, &b.BoundAt, &b.LastUsedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan device binding row")
		}
		out = append(out, b)
	}

	return out, rows.Err()
}
