// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrAuthentication covers everything that fails before a payload exists:
	// undecodable text and ciphertext that fails its integrity check. The two
	// are deliberately indistinguishable.
	ErrAuthentication = errors.New("activation code failed authentication")

	// ErrMalformedPayload means decryption succeeded but the payload does not
	// parse as a claim set.
	ErrMalformedPayload = errors.New("activation code payload is malformed")

	// ErrChecksumMismatch means the payload parsed but its embedded checksum
	// does not match the recomputed one.
	ErrChecksumMismatch = errors.New("activation code checksum mismatch")

	// ErrUnsupportedVersion means the payload advertises a format version this
	// decoder does not speak.
	ErrUnsupportedVersion = errors.New("unsupported activation code version")
)

// ExpiredError reports a code that is cryptographically valid but past its
// validity window. It carries the decoded claims so callers can still show
// the licensee what expired and when.
type ExpiredError struct {
	Claims    *Claims
	ExpiredAt time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("activation code expired on %s", e.ExpiredAt.Format("2006-01-02"))
}

// IsDecodeFailure reports whether err is one of the terminal decode errors
// (anything but expiry). Retrying a decode can never change these outcomes.
func IsDecodeFailure(err error) bool {
	return errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrUnsupportedVersion)
}
