// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package license implements the activation code codec: an authenticated
// transform between a license's claim set and an opaque, self-checking
// code string.
package license

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/pdffusion/keygate/internal/crypto"
)

const (
	// displayGroupSize is the chunk width of the human-readable form.
	displayGroupSize = 8
	// displayMaxLen caps the human-readable form. Display only: the canonical
	// code stored and indexed by the server is always the full encoding.
	displayMaxLen = 59

	keyDerivationInfo = "keygate/activation-codes/v1"
)

// Codec encodes and decodes activation codes under a single symmetric key.
// It is stateless and safe for concurrent use.
type Codec struct {
	enc *crypto.AESEncryptor
	now func() time.Time
}

// NewCodec builds a codec from the 32-byte master key. An invalid key is a
// hard construction failure; there is no unauthenticated fallback format.
func NewCodec(masterKey []byte) (*Codec, error) {
	key, err := crypto.DeriveKey(masterKey, keyDerivationInfo)
	if err != nil {
		return nil, err
	}

	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		return nil, err
	}

	return &Codec{enc: enc, now: time.Now}, nil
}

// WithClock returns a copy of the codec using the given clock. Tests use this
// to pin expiry boundaries.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	return &Codec{enc: c.enc, now: now}
}

// Encode serializes, encrypts, and text-encodes a claim set. The returned
// string is the canonical code; use FormatDisplay for the user-facing form.
// Two encodings of the same claims differ byte-for-byte (random nonce), which
// is fine: codes are identified by the stored string, never by content.
func (c *Codec) Encode(claims *Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	sealed, err := c.enc.Seal(payload)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode reverses Encode. Formatting hyphens and whitespace are tolerated, so
// both the canonical and the display form round-trip.
//
// Failure taxonomy, in check order: ErrAuthentication (undecodable text or
// integrity failure), ErrMalformedPayload, ErrUnsupportedVersion,
// ErrChecksumMismatch, then *ExpiredError. Expiry is the one non-terminal
// outcome: the decoded claims come back alongside the error.
func (c *Codec) Decode(code string) (*Claims, error) {
	raw, err := decodeText(Normalize(code))
	if err != nil {
		return nil, ErrAuthentication
	}

	payload, err := c.enc.Open(raw)
	if err != nil {
		// Tampered, corrupted, or wrong key all look the same to callers.
		return nil, ErrAuthentication
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedPayload
	}

	if claims.Version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}

	expected := claims.computeChecksum()
	if subtle.ConstantTimeCompare([]byte(expected), []byte(claims.Checksum)) != 1 {
		return nil, ErrChecksumMismatch
	}

	if now := c.now(); claims.Expired(now) {
		return &claims, &ExpiredError{Claims: &claims, ExpiredAt: claims.ValidUntil}
	}

	return &claims, nil
}

// Normalize strips the display formatting back off a code.
func Normalize(code string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, code)
}

// decodeText accepts the canonical unpadded URL-safe encoding and, for codes
// pasted from older tooling, the padded form.
func decodeText(s string) ([]byte, error) {
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return raw, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// FormatDisplay renders a code for humans: hyphen-separated groups of eight,
// capped at 59 characters. The result is lossy and must never be persisted or
// used as a lookup key.
func FormatDisplay(code string) string {
	display := FormatDisplayFull(code)
	if len(display) > displayMaxLen {
		display = display[:displayMaxLen]
	}
	return display
}

// FormatDisplayFull hyphenates the whole code without the display cap. The
// result normalizes back to the canonical encoding.
func FormatDisplayFull(code string) string {
	var b strings.Builder
	for i := 0; i < len(code); i += displayGroupSize {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + displayGroupSize
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}
