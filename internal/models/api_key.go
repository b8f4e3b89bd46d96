// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/pdffusion/keygate/internal/crypto"
	"github.com/pdffusion/keygate/internal/dbinterface"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey grants access to the admin endpoints. Only the SHA-256 hash of the
// key material is stored; the raw key is shown once at creation.
type APIKey struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// GenerateAPIKey returns a new random key as a 64 character hex string.
func GenerateAPIKey() (string, error) {
	return crypto.GenerateSecureToken(32)
}

// HashAPIKey hashes deterministically so keys can be looked up by their
// indexed hash column.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type APIKeyStore struct {
	db dbinterface.Querier
}

func NewAPIKeyStore(db dbinterface.Querier) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// Create generates a new key, persists its hash, and returns the record with
// the raw key populated.
func (s *APIKeyStore) Create(ctx context.Context, name string) (*APIKey, error) {
	raw, err := GenerateAPIKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate api key")
	}

	k := &APIKey{Name: name, Key: raw, KeyHash: HashAPIKey(raw)}

	res, err := s.db.ExecContext(ctx, "INSERT INTO api_keys (name, key_hash) VALUES (?, ?)", k.Name, k.KeyHash)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create api key")
	}
	if k.ID, err = res.LastInsertId(); err != nil {
		return nil, errors.Wrap(err, "failed to read api key id")
	}

	row := s.db.QueryRowContext(ctx, "SELECT created_at FROM api_keys WHERE id = ?", k.ID)
	if err := row.Scan(&k.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to read api key created_at")
	}

	return k, nil
}

// GetAll lists stored keys, hashes only.
func (s *APIKeyStore) GetAll(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, key_hash, created_at, last_used_at FROM api_keys ORDER BY created_at DESC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan api key")
		}
		out = append(out, k)
	}

	return out, rows.Err()
}

func (s *APIKeyStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to delete api key")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}

	return nil
}

// ValidateAPIKey checks a presented key against the stored hashes and bumps
// last_used_at on a match.
func (s *APIKeyStore) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	hash := HashAPIKey(key)

	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM api_keys WHERE key_hash = ?", hash).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to validate api key")
	}

	if err := s.UpdateLastUsed(ctx, id); err != nil {
		return true, err
	}

	return true, nil
}

func (s *APIKeyStore) UpdateLastUsed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "failed to update api key last_used_at")
	}
	return nil
}
