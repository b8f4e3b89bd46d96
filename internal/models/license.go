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

var (
	ErrLicenseNotFound  = errors.New("license not found")
	ErrDuplicateLicense = errors.New("license already exists")
)

// License is the persisted record of an issued activation code. Token holds
// the full canonical encoding, never the hyphenated display form.
type License struct {
	ID           string     `json:"id"`
	Token        string     `json:"token"`
	Email        string     `json:"email"`
	ProductType  string     `json:"productType"`
	DaysValid    int        `json:"daysValid"`
	MaxDevices   int        `json:"maxDevices"`
	PurchaseID   string     `json:"purchaseId"`
	ProductName  string     `json:"productName,omitempty"`
	IssuedAt     time.Time  `json:"issuedAt"`
	ValidUntil   time.Time  `json:"validUntil"`
	IsUsed       bool       `json:"isUsed"`
	UsedAt       *time.Time `json:"usedAt,omitempty"`
	UsedByDevice *string    `json:"usedByDevice,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// LicenseActivation is the admin listing view: a license joined with its
// active binding count.
type LicenseActivation struct {
	License
	ActiveDevices int `json:"activeDevices"`
}

type LicenseStore struct {
	db dbinterface.Querier
}

func NewLicenseStore(db dbinterface.Querier) *LicenseStore {
	return &LicenseStore{db: db}
}

// WithQuerier returns a store bound to q, typically a transaction.
func (s *LicenseStore) WithQuerier(q dbinterface.Querier) *LicenseStore {
	return &LicenseStore{db: q}
}

func (s *LicenseStore) Create(ctx context.Context, l *License) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (id, token, email, product_type, days_valid, max_devices, purchase_id, product_name, issued_at, valid_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Token, l.Email, l.ProductType, l.DaysValid, l.MaxDevices, l.PurchaseID, l.ProductName, l.IssuedAt, l.ValidUntil)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateLicense
		}
		return errors.Wrap(err, "failed to create license")
	}

	row := s.db.QueryRowContext(ctx, "SELECT created_at FROM licenses WHERE id = ?", l.ID)
	if err := row.Scan(&l.CreatedAt); err != nil {
		return errors.Wrap(err, "failed to read license created_at")
	}

	return nil
}

const licenseColumns = `id, token, email, product_type, days_valid, max_devices, purchase_id, product_name, issued_at, valid_until, is_used, used_at, used_by_device, created_at`

func scanLicense(row interface{ Scan(...any) error }) (*License, error) {
	var l License
	err := row.Scan(&l.ID, &l.Token, &l.Email, &l.ProductType, &l.DaysValid, &l.MaxDevices,
		&l.PurchaseID, &l.ProductName, &l.IssuedAt, &l.ValidUntil, &l.IsUsed, &l.UsedAt, &l.UsedByDevice, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, errors.Wrap(err, "failed to scan license")
	}
	return &l, nil
}

// GetByToken looks up a license by its full canonical token.
func (s *LicenseStore) GetByToken(ctx context.Context, token string) (*License, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+licenseColumns+" FROM licenses WHERE token = ?", token)
	return scanLicense(row)
}

func (s *LicenseStore) GetByID(ctx context.Context, id string) (*License, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+licenseColumns+" FROM licenses WHERE id = ?", id)
	return scanLicense(row)
}

// MarkUsed sets the first-use marker. The is_used guard in the WHERE clause
// makes the marker write-once even if callers race.
func (s *LicenseStore) MarkUsed(ctx context.Context, id, deviceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET is_used = 1, used_at = ?, used_by_device = ?
		WHERE id = ? AND is_used = 0`,
		at, deviceID, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark license used")
	}
	return nil
}

// ListRecent returns the most recently created licenses with their active
// binding counts, newest first.
func (s *LicenseStore) ListRecent(ctx context.Context, limit int) ([]LicenseActivation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+licenseColumns+`,
			(SELECT COUNT(*) FROM device_bindings b WHERE b.license_id = licenses.id AND b.active = 1) AS active_devices
		FROM licenses
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list licenses")
	}
	defer rows.Close()

	var out []LicenseActivation
	for rows.Next() {
		var la LicenseActivation
		err := rows.Scan(&la.ID, &la.Token, &la.Email, &la.ProductType, &la.DaysValid, &la.MaxDevices,
			&la.PurchaseID, &la.ProductName, &la.IssuedAt, &la.ValidUntil, &la.IsUsed, &la.UsedAt,
			&la.UsedByDevice, &la.CreatedAt, &la.ActiveDevices)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan license row")
		}
		out = append(out, la)
	}

	return out, rows.Err()
}
