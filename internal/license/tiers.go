// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"strings"

	"github.com/pkg/errors"
)

// ProductType identifies a purchasable edition of the product.
type ProductType string

const (
	ProductPersonal     ProductType = "personal"
	ProductProfessional ProductType = "professional"
	ProductBusiness     ProductType = "business"
	ProductEnterprise   ProductType = "enterprise"
)

var ErrUnknownProductType = errors.New("unknown product type")

// Tier holds the issuance parameters a product type carries. Both values are
// decided here, once, at issuance; nothing downstream re-derives them.
type Tier struct {
	DaysValid  int
	MaxDevices int
}

var tiers = map[ProductType]Tier{
	ProductPersonal:     {DaysValid: 365, MaxDevices: 3},
	ProductProfessional: {DaysValid: 365, MaxDevices: 5},
	ProductBusiness:     {DaysValid: 730, MaxDevices: 10},
	ProductEnterprise:   {DaysValid: 1095, MaxDevices: 99},
}

// TierFor returns the issuance parameters for a product type.
func TierFor(pt ProductType) (Tier, error) {
	tier, ok := tiers[pt]
	if !ok {
		return Tier{}, errors.Wrapf(ErrUnknownProductType, "%q", pt)
	}
	return tier, nil
}

// ParseProductType normalizes and validates a product type string.
func ParseProductType(s string) (ProductType, error) {
	pt := ProductType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tiers[pt]; !ok {
		return "", errors.Wrapf(ErrUnknownProductType, "%q", s)
	}
	return pt, nil
}

// ProductTypes lists the known product types. The order is fixed from
// cheapest to most expensive tier.
func ProductTypes() []ProductType {
	return []ProductType{ProductPersonal, ProductProfessional, ProductBusiness, ProductEnterprise}
}
