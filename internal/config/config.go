// Copyright (c) 2025, the keygate contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package config loads the TOML configuration with environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/pdffusion/keygate/internal/crypto"
	"github.com/pdffusion/keygate/internal/domain"
)

const (
	envPrefix      = "KEYGATE__"
	configFileName = "config.toml"
)

// AppConfig wraps the parsed configuration together with the directory it
// was loaded from.
type AppConfig struct {
	Config *domain.Config
	Dir    string
}

// New loads configuration from dir/config.toml, creating a default file on
// first run. Environment variables prefixed KEYGATE__ override file values,
// e.g. KEYGATE__PORT or KEYGATE__ENCRYPTIONKEY.
func New(dir string) (*AppConfig, error) {
	if dir == "" {
		dir = defaultConfigDir()
	}

	c := &AppConfig{
		Config: &domain.Config{},
		Dir:    dir,
	}

	if err := c.load(dir); err != nil {
		return nil, err
	}

	return c, nil
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "keygate")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "keygate")
}

func (c *AppConfig) setDefaults(v *viper.Viper, dir string) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7227)
	v.SetDefault("encryptionKey", "")
	v.SetDefault("adminApiKey", "")
	v.SetDefault("bindLockTimeout", 5*time.Second)
	v.SetDefault("dataDir", dir)
	v.SetDefault("databasePath", filepath.Join(dir, "keygate.db"))
	v.SetDefault("logLevel", "INFO")
	v.SetDefault("logPath", "")
	v.SetDefault("logMaxSize", 50)
	v.SetDefault("logMaxBackups", 3)
	v.SetDefault("metricsEnabled", false)
	v.SetDefault("metricsHost", "127.0.0.1")
	v.SetDefault("metricsPort", 9074)
	v.SetDefault("gumroadWebhookSecret", "")
	v.SetDefault("notificationUrls", []string{})
	v.SetDefault("corsOrigins", []string{})
}

func (c *AppConfig) load(dir string) error {
	v := viper.New()
	v.SetConfigType("toml")
	c.setDefaults(v, dir)

	path := filepath.Join(dir, configFileName)
	v.SetConfigFile(path)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := c.writeDefaultConfig(dir, path); err != nil {
			return err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "config read: %s", path)
	}

	c.applyEnvOverrides(v)

	if err := v.Unmarshal(c.Config); err != nil {
		return errors.Wrap(err, "config unmarshal")
	}

	return nil
}

// applyEnvOverrides maps KEYGATE__<KEY> variables onto config keys. viper's
// AutomaticEnv does not cooperate with Unmarshal, so the keys are set
// explicitly.
func (c *AppConfig) applyEnvOverrides(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		envKey := envPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if val, ok := os.LookupEnv(envKey); ok {
			v.Set(key, val)
		}
	}
}

func (c *AppConfig) writeDefaultConfig(dir, path string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "config directory: %s", dir)
	}

	key, err := crypto.GenerateSecureToken(crypto.KeySize)
	if err != nil {
		return errors.Wrap(err, "failed to generate encryption key")
	}

	adminKey, err := crypto.GenerateSecureToken(32)
	if err != nil {
		return errors.Wrap(err, "failed to generate admin api key")
	}

	content := `# keygate configuration
# Environment variables prefixed KEYGATE__ override these values,
# e.g. KEYGATE__PORT=8080.

# Bind address for the HTTP API.
host = "127.0.0.1"
port = 7227

# Master key for activation codes, 32 bytes as hex or base64.
# Changing this invalidates every issued code.
encryptionKey = "` + key + `"

# Bootstrap admin credential for the X-API-Key header.
adminApiKey = "` + adminKey + `"

# How long a bind waits for the per-license lock.
bindLockTimeout = "5s"

databasePath = "` + filepath.ToSlash(filepath.Join(dir, "keygate.db")) + `"

logLevel = "INFO"
# logPath = "` + filepath.ToSlash(filepath.Join(dir, "keygate.log")) + `"

metricsEnabled = false
metricsHost = "127.0.0.1"
metricsPort = 9074

# HMAC secret for Gumroad webhook verification. Empty disables verification.
gumroadWebhookSecret = ""

# shoutrrr notification URLs, e.g. ["discord://token@id"].
notificationUrls = []

corsOrigins = []
`

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write default config: %s", path)
	}

	log.Info().Msgf("Wrote default configuration to %s", path)

	return nil
}
