// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file, then
// AUDITSTREAM_* environment variables. The merged result is validated
// before the service starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Vault     VaultConfig     `yaml:"vault"`
	Immutable ImmutableConfig `yaml:"immutable"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit is the sustained requests-per-second budget per client;
	// 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
	RateBurst int     `yaml:"rate_burst" validate:"min=0"`
}

type StorageConfig struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type VaultConfig struct {
	KeyID             string `yaml:"key_id" validate:"required"`
	AssertionMethodID string `yaml:"assertion_method_id" validate:"required"`

	// SeedFile optionally points at a 32-byte Ed25519 seed to import so
	// signatures survive restarts. When empty a fresh key is generated.
	SeedFile string `yaml:"seed_file"`
}

type ImmutableConfig struct {
	// Backend selects where credential blobs live.
	Backend string `yaml:"backend" validate:"oneof=badger gcs"`

	// GCS settings, used when Backend is "gcs".
	GCSBucket          string `yaml:"gcs_bucket" validate:"required_if=Backend gcs"`
	GCSPrefix          string `yaml:"gcs_prefix"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`
}

type StreamConfig struct {
	// DefaultImmutableInterval anchors every Nth entry when stream
	// creation does not override it. 0 disables entry anchoring.
	DefaultImmutableInterval int `yaml:"default_immutable_interval" validate:"min=0"`

	// NodeIdentity identifies this node in issued credentials when the
	// request does not carry one.
	NodeIdentity string `yaml:"node_identity" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is "json", "text" or "auto". Auto picks text on a terminal.
	Format string `yaml:"format" validate:"oneof=json text auto"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is the collector's gRPC address; empty disables
	// tracing.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8680,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Storage: StorageConfig{
			Path:       "/var/lib/auditstream/badger",
			SyncWrites: true,
		},
		Vault: VaultConfig{
			KeyID:             "auditable-item-stream",
			AssertionMethodID: "auditable-item-stream",
		},
		Immutable: ImmutableConfig{
			Backend: "badger",
		},
		Stream: StreamConfig{
			DefaultImmutableInterval: 10,
			NodeIdentity:             "auditstream-node",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the config from path, applies environment overrides and
// validates the result. A missing file is not an error; defaults and
// the environment still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays AUDITSTREAM_* variables onto the config.
func applyEnv(cfg *Config) {
	setString("AUDITSTREAM_HOST", &cfg.Server.Host)
	setInt("AUDITSTREAM_PORT", &cfg.Server.Port)
	setString("AUDITSTREAM_STORAGE_PATH", &cfg.Storage.Path)
	setBool("AUDITSTREAM_STORAGE_IN_MEMORY", &cfg.Storage.InMemory)
	setString("AUDITSTREAM_VAULT_KEY_ID", &cfg.Vault.KeyID)
	setString("AUDITSTREAM_VAULT_SEED_FILE", &cfg.Vault.SeedFile)
	setString("AUDITSTREAM_IMMUTABLE_BACKEND", &cfg.Immutable.Backend)
	setString("AUDITSTREAM_GCS_BUCKET", &cfg.Immutable.GCSBucket)
	setString("AUDITSTREAM_GCS_PREFIX", &cfg.Immutable.GCSPrefix)
	setString("AUDITSTREAM_GCS_CREDENTIALS_FILE", &cfg.Immutable.GCSCredentialsFile)
	setInt("AUDITSTREAM_IMMUTABLE_INTERVAL", &cfg.Stream.DefaultImmutableInterval)
	setString("AUDITSTREAM_NODE_IDENTITY", &cfg.Stream.NodeIdentity)
	setString("AUDITSTREAM_LOG_LEVEL", &cfg.Logging.Level)
	setString("AUDITSTREAM_LOG_FORMAT", &cfg.Logging.Format)
	setString("AUDITSTREAM_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
