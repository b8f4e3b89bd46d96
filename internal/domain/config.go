// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/pdffusion/keygate/internal/crypto"
)

// Config is the runtime configuration, populated from config.toml and
// KEYGATE__ environment overrides.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// EncryptionKey is the master key for activation codes, given as
	// base64 or hex for 32 bytes. The server refuses to start without a
	// valid key.
	EncryptionKey string `mapstructure:"encryptionKey"`

	// AdminAPIKey is the bootstrap admin credential. Further keys are
	// managed through the api_keys table.
	AdminAPIKey string `mapstructure:"adminApiKey"`

	BindLockTimeout time.Duration `mapstructure:"bindLockTimeout"`

	DataDir      string `mapstructure:"dataDir"`
	DatabasePath string `mapstructure:"databasePath"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	GumroadWebhookSecret string `mapstructure:"gumroadWebhookSecret"`

	NotificationURLs []string `mapstructure:"notificationUrls"`

	CORSOrigins []string `mapstructure:"corsOrigins"`
}

// Validate fails closed: a missing or malformed encryption key is a startup
// error, never a degraded mode.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return errors.New("encryptionKey is required; generate one with 'openssl rand -hex 32'")
	}
	if _, err := crypto.ParseKey(c.EncryptionKey); err != nil {
		return errors.Wrap(err, "invalid encryptionKey")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}

	if c.BindLockTimeout < 0 {
		return errors.New("bindLockTimeout must not be negative")
	}

	return nil
}

// MasterKey returns the decoded 32-byte encryption key. Call Validate first.
func (c *Config) MasterKey() ([]byte, error) {
	return crypto.ParseKey(c.EncryptionKey)
}

// ListenAddr is the host:port the API server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MetricsAddr is the host:port of the metrics listener.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}
