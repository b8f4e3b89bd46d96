// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package crypto provides the authenticated-encryption primitives used for
// activation codes, plus shared key handling utilities.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const KeySize = 32

var (
	// ErrInvalidKeySize is returned when the encryption key is not 32 bytes.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrMalformedCiphertext is returned when the ciphertext is too short
	// or fails its integrity check.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// GenerateSecureToken generates a cryptographically secure random token
// of the specified byte length, returned as a hex-encoded string.
// For example, length=32 produces a 64-character hex string.
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// ParseKey decodes a configured master key. Accepted encodings are
// standard/URL-safe base64 (padded or not) and hex; whatever the encoding,
// the decoded key must be exactly 32 bytes. Anything else is rejected so a
// misconfigured secret can never silently downgrade the token format.
func ParseKey(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidKeySize
	}

	for _, decode := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	} {
		key, err := decode(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}

	return nil, ErrInvalidKeySize
}

// DeriveKey expands the 32-byte master key into a purpose-bound subkey via
// HKDF-SHA256. Distinct info strings yield independent keys, so the token
// key never doubles as anything else.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKeySize
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, err
	}
	return key, nil
}

// AESEncryptor provides AES-GCM encryption and decryption capabilities.
type AESEncryptor struct {
	key []byte
}

// NewAESEncryptor creates a new AESEncryptor with the given 32-byte key.
func NewAESEncryptor(key []byte) (*AESEncryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return &AESEncryptor{key: key}, nil
}

// Seal encrypts plaintext with AES-GCM and returns nonce||ciphertext.
// The nonce is random, so sealing identical plaintexts twice yields
// different bytes.
func (e *AESEncryptor) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts nonce||ciphertext produced by Seal. A truncated input and a
// failed integrity check both return ErrMalformedCiphertext so callers cannot
// distinguish tampering from corruption.
func (e *AESEncryptor) Open(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, ErrMalformedCiphertext
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrMalformedCiphertext
	}

	return plaintext, nil
}
