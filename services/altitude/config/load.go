// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every environment override.
const envPrefix = "ALTITUDE_"

// DefaultPath returns the default config file location,
// ~/.altitude/altitude.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".altitude", "altitude.yaml"), nil
}

// Load builds the runtime configuration.
//
// Description:
//
//	Starts from Default(), overlays the YAML file, overlays ALTITUDE_*
//	environment variables, expands ~ in path fields, then validates.
//
// Inputs:
//   - path: Config file path. Empty uses DefaultPath(), creating a
//     default file on first run. A non-empty path that does not exist is
//     an error.
//
// Outputs:
//
//	Config - The merged, validated configuration.
//	error - Non-nil on read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// First run with the default location: write the defaults so the
		// user has a file to edit.
		if err := writeDefault(path); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// writeDefault materializes Default() at path, creating parent
// directories.
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// expandPaths resolves ~ in every path-valued field.
func (c *Config) expandPaths() error {
	for _, p := range []*string{
		&c.Checkpoint.Dir,
		&c.History.Path,
		&c.KeepAlive.Path,
		&c.Logging.Dir,
		&c.Telemetry.Influx.TokenFile,
		&c.Export.CredentialsFile,
	} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
//
//	"~/.altitude/history.db" -> "/home/user/.altitude/history.db"
func expandPath(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot expand %q: %w", path, err)
	}
	if path == "~" {
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:]), nil
	}
	// ~user form is not supported.
	return "", fmt.Errorf("cannot expand user-relative path %q", path)
}

// SealToken moves the InfluxDB token into a memguard enclave.
//
// Description:
//
//	Reads TokenFile when set, otherwise uses the Token field, and clears
//	the plaintext field afterwards so the token does not linger in the
//	config struct. memguard wipes its source slice during seal.
//
// Outputs:
//
//	*memguard.Enclave - The sealed token for the Influx sink.
//	error - Non-nil when no token is configured or the file is
//	unreadable.
func (i *InfluxConfig) SealToken() (*memguard.Enclave, error) {
	if i.TokenFile != "" {
		raw, err := os.ReadFile(i.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read influx token file: %w", err)
		}
		trimmed := []byte(strings.TrimSpace(string(raw)))
		if len(trimmed) == 0 {
			return nil, errors.New("influx token file is empty")
		}
		return memguard.NewEnclave(trimmed), nil
	}

	if i.Token == "" {
		return nil, errors.New("no influx token configured")
	}
	enclave := memguard.NewEnclave([]byte(i.Token))
	i.Token = ""
	return enclave, nil
}
