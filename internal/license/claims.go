// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// FormatVersion tags the payload layout. Decoders reject anything else.
const FormatVersion = "2.0"

const checksumHexLen = 8

// Claims is the attribute set carried inside an activation code. It is built
// once at issuance and immutable afterwards; it is never stored as a row of
// its own, only recovered by decoding the code string.
//
// Field order is the canonical payload order; encoding/json preserves struct
// order, which keeps the serialized form stable for a given claim set.
type Claims struct {
	Email       string      `json:"email"`
	ProductType ProductType `json:"product_type"`
	DaysValid   int         `json:"days_valid"`
	IssuedAt    time.Time   `json:"generated_at"`
	ValidUntil  time.Time   `json:"valid_until"`
	MaxDevices  int         `json:"max_devices"`
	PurchaseID  string      `json:"purchase_id"`
	ProductName string      `json:"product_name,omitempty"`
	Version     string      `json:"version"`
	Checksum    string      `json:"checksum"`
}

// NewClaims builds the claim set for a fresh license. The validity window and
// seat limit come from the tier table, never from the caller.
func NewClaims(email string, pt ProductType, purchaseID, productName string, now time.Time) (*Claims, error) {
	if email == "" {
		return nil, errors.New("email is required")
	}

	tier, err := TierFor(pt)
	if err != nil {
		return nil, err
	}

	now = now.UTC().Truncate(time.Second)

	c := &Claims{
		Email:       email,
		ProductType: pt,
		DaysValid:   tier.DaysValid,
		IssuedAt:    now,
		ValidUntil:  now.AddDate(0, 0, tier.DaysValid),
		MaxDevices:  tier.MaxDevices,
		PurchaseID:  purchaseID,
		ProductName: productName,
		Version:     FormatVersion,
	}
	c.Checksum = c.computeChecksum()

	return c, nil
}

// computeChecksum digests the fields an attacker would most want to rewrite.
// It is an internal consistency check layered under the AEAD tag, not a
// substitute for it.
func (c *Claims) computeChecksum() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d:%s", c.Email, c.ProductType, c.DaysValid, c.PurchaseID))
	return hex.EncodeToString(sum[:])[:checksumHexLen]
}

// Expired reports whether the claims are past their validity window.
func (c *Claims) Expired(now time.Time) bool {
	return now.After(c.ValidUntil)
}

// DaysRemaining returns the whole days left before expiry, never negative.
func (c *Claims) DaysRemaining(now time.Time) int {
	remaining := int(c.ValidUntil.Sub(now).Hours() / 24)
	if remaining < 0 {
		return 0
	}
	return remaining
}
