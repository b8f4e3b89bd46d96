// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package gumroad parses Gumroad ping webhooks into issuance requests.
package gumroad

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/pdffusion/keygate/internal/license"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMissingEmail     = errors.New("webhook payload has no buyer email")
)

// Sale is the subset of the Gumroad ping payload the issuer needs. Gumroad
// posts form-urlencoded by default; JSON arrives from resend tooling.
type Sale struct {
	Email       string `json:"email"`
	ProductName string `json:"product_name"`
	SaleID      string `json:"sale_id"`
	OrderNumber string `json:"order_number"`
	ProductID   string `json:"product_id"`
	Test        bool   `json:"test"`
}

// PurchaseID prefers the sale id, falling back to the order number.
func (s Sale) PurchaseID() string {
	if s.SaleID != "" {
		return s.SaleID
	}
	if s.OrderNumber != "" {
		return "order-" + s.OrderNumber
	}
	return ""
}

// ProductType maps the human product name onto a tier. "pro" only counts as
// a whole word so names like "Promo" or "Product Bundle" never upgrade the
// tier. Unrecognized names fall back to personal so a storefront rename
// never drops a sale.
func (s Sale) ProductType() license.ProductType {
	name := strings.ToLower(s.ProductName)
	switch {
	case strings.Contains(name, "enterprise"):
		return license.ProductEnterprise
	case strings.Contains(name, "business"):
		return license.ProductBusiness
	case strings.Contains(name, "professional"), containsWord(name, "pro"):
		return license.ProductProfessional
	default:
		return license.ProductPersonal
	}
}

func containsWord(name, word string) bool {
	fields := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if f == word {
			return true
		}
	}
	return false
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// shared secret. An empty secret disables verification (local development).
func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
		return ErrInvalidSignature
	}

	return nil
}

// ParseBody decodes a webhook body in either of Gumroad's encodings.
func ParseBody(contentType string, body []byte) (*Sale, error) {
	var sale Sale

	if strings.Contains(contentType, "application/json") {
		if err := json.Unmarshal(body, &sale); err != nil {
			return nil, errors.Wrap(err, "failed to parse webhook json")
		}
	} else {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse webhook form")
		}
		sale = Sale{
			Email:       values.Get("email"),
			ProductName: values.Get("product_name"),
			SaleID:      values.Get("sale_id"),
			OrderNumber: values.Get("order_number"),
			ProductID:   values.Get("product_id"),
			Test:        values.Get("test") == "true",
		}
	}

	if sale.Email == "" {
		return nil, ErrMissingEmail
	}

	return &sale, nil
}
