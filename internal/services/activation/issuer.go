// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package activation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pdffusion/keygate/internal/database"
	"github.com/pdffusion/keygate/internal/license"
	"github.com/pdffusion/keygate/internal/models"
)

// Notifier receives issuance events. The notifications service implements
// it; tests substitute a recorder.
type Notifier interface {
	LicenseIssued(lic *models.License, displayCode string)
}

// IssueRequest describes a license to create.
type IssueRequest struct {
	Email       string `json:"email"`
	ProductType string `json:"productType"`
	PurchaseID  string `json:"purchaseId"`
	ProductName string `json:"productName"`
}

// IssueResult carries both the canonical token (what gets persisted and
// verified) and the hyphenated display form (what gets shown to the buyer).
type IssueResult struct {
	License     *models.License `json:"license"`
	Token       string          `json:"token"`
	DisplayCode string          `json:"displayCode"`
}

// Issuer turns purchases into persisted licenses.
type Issuer struct {
	log      zerolog.Logger
	db       *database.DB
	codec    *license.Codec
	licenses *models.LicenseStore
	notifier Notifier

	now func() time.Time
}

func NewIssuer(log zerolog.Logger, db *database.DB, codec *license.Codec, notifier Notifier) *Issuer {
	return &Issuer{
		log:      log.With().Str("service", "issuer").Logger(),
		db:       db,
		codec:    codec,
		licenses: models.NewLicenseStore(db),
		notifier: notifier,
		now:      time.Now,
	}
}

// WithClock overrides the issuer clock for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue validates the request, encodes a fresh activation code, and persists
// the license record. The stored token is the full canonical encoding.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	pt, err := license.ParseProductType(req.ProductType)
	if err != nil {
		return nil, err
	}

	claims, err := license.NewClaims(req.Email, pt, req.PurchaseID, req.ProductName, i.now())
	if err != nil {
		return nil, err
	}

	token, err := i.codec.Encode(claims)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode activation code")
	}

	lic := &models.License{
		ID:          uuid.New().String(),
		Token:       token,
		Email:       claims.Email,
		ProductType: string(pt),
		DaysValid:   claims.DaysValid,
		MaxDevices:  claims.MaxDevices,
		PurchaseID:  claims.PurchaseID,
		ProductName: claims.ProductName,
		IssuedAt:    claims.IssuedAt,
		ValidUntil:  claims.ValidUntil,
	}

	if err := i.licenses.Create(ctx, lic); err != nil {
		return nil, err
	}

	display := license.FormatDisplay(token)

	i.log.Info().
		Str("licenseId", lic.ID).
		Str("email", lic.Email).
		Str("productType", lic.ProductType).
		Str("purchaseId", lic.PurchaseID).
		Msg("License issued")

	if i.notifier != nil {
		i.notifier.LicenseIssued(lic, display)
	}

	return &IssueResult{License: lic, Token: token, DisplayCode: display}, nil
}
