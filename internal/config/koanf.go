// Authledger - Authentication Event Accounting for SAML2 and OIDC Deployments
// Copyright 2026 M. Korva (mkorva)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkorva/authledger

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/authledger/config.yaml",
	"/etc/authledger/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the environment variable layer.
const envPrefix = "AUTHLEDGER_"

// Load builds the configuration from three layers with increasing
// precedence: built-in defaults, an optional YAML file, AUTHLEDGER_*
// environment variables. The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// nestedSections maps env-var prefixes of the two-level subsections to
// their koanf paths. Everything else is section_key with a single-word
// section, handled by the fallback in envTransform.
var nestedSections = map[string]string{
	"queue_nats_":   "queue.nats.",
	"queue_badger_": "queue.badger.",
}

// envTransform maps AUTHLEDGER_STORE_TABLE_PREFIX to store.table_prefix and
// AUTHLEDGER_QUEUE_NATS_URL to queue.nats.url.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for prefix, path := range nestedSections {
		if strings.HasPrefix(key, prefix) {
			return path + strings.TrimPrefix(key, prefix)
		}
	}
	return strings.Replace(key, "_", ".", 1)
}
