// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the altitude daemon configuration.
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// ALTITUDE_* environment variables. The merged result is validated once;
// a config that loads is a config the daemon can run with.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/protocol"
)

// validate is the validator instance for configuration structs.
var validate = validator.New()

// Config is the root configuration for the altitude daemon and CLI.
type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Protocol      ProtocolConfig      `yaml:"protocol" envPrefix:"PROTOCOL_"`
	Session       SessionConfig       `yaml:"session" envPrefix:"SESSION_"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Recovery      RecoveryConfig      `yaml:"recovery" envPrefix:"RECOVERY_"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	History       HistoryConfig       `yaml:"history" envPrefix:"HISTORY_"`
	Export        ExportConfig        `yaml:"export" envPrefix:"EXPORT_"`
	KeepAlive     KeepAliveConfig     `yaml:"keep_alive" envPrefix:"KEEP_ALIVE_"`
	Logging       LoggingConfig       `yaml:"logging" envPrefix:"LOG_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OTEL_"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8420".
	Addr string `yaml:"addr" env:"ADDR" validate:"required,hostname_port"`

	// RateLimit caps requests per second per server. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT" validate:"gte=0"`

	// RateBurst is the limiter burst size.
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST" validate:"gte=0"`

	// ReadTimeout bounds request reads.
	ReadTimeout Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`

	// WriteTimeout bounds response writes. Streaming endpoints hijack the
	// connection and are unaffected.
	WriteTimeout Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// ProtocolConfig is the default protocol used when a start request does
// not override it (the CLI `run` command, mainly).
type ProtocolConfig struct {
	// Cycles is the number of LOW+HIGH pairs.
	Cycles int `yaml:"cycles" env:"CYCLES" validate:"min=1"`

	// LowDuration is the reduced-oxygen phase length.
	LowDuration Duration `yaml:"low_duration" env:"LOW_DURATION" validate:"gt=0"`

	// HighDuration is the enriched-oxygen phase length.
	HighDuration Duration `yaml:"high_duration" env:"HIGH_DURATION" validate:"gt=0"`
}

// ToProtocol converts the section into the engine's config type.
func (p ProtocolConfig) ToProtocol() protocol.Config {
	return protocol.Config{
		TotalCycles:       p.Cycles,
		LowPhaseDuration:  p.LowDuration.Std(),
		HighPhaseDuration: p.HighDuration.Std(),
	}
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// SafetyTimeout is the absolute wall-clock cap on any session,
	// paused or not.
	SafetyTimeout Duration `yaml:"safety_timeout" env:"SAFETY_TIMEOUT" validate:"gt=0"`

	// CheckpointEveryTicks is the periodic checkpoint cadence between
	// phase boundaries.
	CheckpointEveryTicks int `yaml:"checkpoint_every_ticks" env:"CHECKPOINT_EVERY_TICKS" validate:"min=1"`
}

// CheckpointConfig locates the durable snapshot store.
type CheckpointConfig struct {
	// Dir is the BadgerDB directory. Supports ~ expansion.
	Dir string `yaml:"dir" env:"DIR" validate:"required"`

	// SyncWrites forces fsync on every checkpoint write.
	SyncWrites bool `yaml:"sync_writes" env:"SYNC_WRITES"`

	// GCInterval is the value-log garbage collection cadence. Zero
	// disables GC.
	GCInterval Duration `yaml:"gc_interval" env:"GC_INTERVAL" validate:"gte=0"`
}

// RecoveryConfig tunes interrupted-session recovery.
type RecoveryConfig struct {
	// Window is how stale a snapshot may be and still be offered for
	// resume.
	Window Duration `yaml:"window" env:"WINDOW" validate:"gt=0"`
}

// TelemetryConfig configures reading buffering and the InfluxDB sink.
type TelemetryConfig struct {
	// Enabled switches the InfluxDB sink on. When false readings are
	// buffered and discarded by the nop sink.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// BatchSize is the buffer flush threshold.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE" validate:"min=1"`

	// FlushInterval is the timer-driven flush cadence.
	FlushInterval Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL" validate:"gt=0"`

	Influx  InfluxConfig  `yaml:"influx" envPrefix:"INFLUX_"`
	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// InfluxConfig locates the InfluxDB backend.
type InfluxConfig struct {
	// URL is the InfluxDB base URL.
	URL string `yaml:"url" env:"URL"`

	// Org is the InfluxDB organization.
	Org string `yaml:"org" env:"ORG"`

	// Bucket receives reading points.
	Bucket string `yaml:"bucket" env:"BUCKET"`

	// Token is the API token. Prefer TokenFile or the
	// ALTITUDE_TELEMETRY_INFLUX_TOKEN variable over putting it in YAML.
	Token string `yaml:"token" env:"TOKEN"`

	// TokenFile reads the token from a file instead. Takes precedence
	// over Token.
	TokenFile string `yaml:"token_file" env:"TOKEN_FILE"`

	// WritesPerSecond caps batch writes. Zero uses the sink default.
	WritesPerSecond float64 `yaml:"writes_per_second" env:"WRITES_PER_SECOND" validate:"gte=0"`
}

// BreakerConfig tunes the circuit breaker guarding the sink.
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD" validate:"min=1"`

	// OpenTimeout is how long to stay open before probing half-open.
	OpenTimeout Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT" validate:"gt=0"`
}

// HistoryConfig locates the completed-session archive.
type HistoryConfig struct {
	// Path is the SQLite database file. Supports ~ expansion.
	Path string `yaml:"path" env:"PATH" validate:"required"`
}

// ExportConfig configures the optional GCS final-record export.
type ExportConfig struct {
	// Enabled switches the uploader on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Bucket is the destination GCS bucket.
	Bucket string `yaml:"bucket" env:"BUCKET"`

	// Prefix is prepended to object names.
	Prefix string `yaml:"prefix" env:"PREFIX"`

	// CredentialsFile is the service account key path. Empty uses
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
}

// KeepAliveConfig configures the host sleep inhibitor heartbeat.
type KeepAliveConfig struct {
	// Enabled switches the heartbeat on.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Path is the liveness stamp file. Supports ~ expansion.
	Path string `yaml:"path" env:"PATH"`

	// Interval is the stamp cadence.
	Interval Duration `yaml:"interval" env:"INTERVAL" validate:"gte=0"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error. Editing
	// this field in the YAML file takes effect live; see Watcher.
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`

	// Format selects text or json output.
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=text json"`

	// Dir enables file logging with rotation when non-empty. Supports ~
	// expansion.
	Dir string `yaml:"dir" env:"DIR"`

	// MaxSizeMB rotates the log file past this size.
	MaxSizeMB int `yaml:"max_size_mb" env:"MAX_SIZE_MB" validate:"min=1"`

	// MaxBackups is how many rotated files to keep.
	MaxBackups int `yaml:"max_backups" env:"MAX_BACKUPS" validate:"gte=0"`

	// MaxAgeDays prunes rotated files older than this.
	MaxAgeDays int `yaml:"max_age_days" env:"MAX_AGE_DAYS" validate:"gte=0"`
}

// SlogLevel converts the configured level name to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	// TraceExporter selects "otlp", "stdout", or "none".
	TraceExporter string `yaml:"trace_exporter" env:"TRACES_EXPORTER" validate:"oneof=otlp stdout none"`

	// MetricExporter selects "prometheus", "stdout", or "none".
	MetricExporter string `yaml:"metric_exporter" env:"METRICS_EXPORTER" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is the OTLP receiver for traces.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"EXPORTER_OTLP_ENDPOINT"`

	// Environment names the deployment environment.
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// Default returns the built-in configuration. Paths live under
// ~/.altitude and are expanded at load time.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8420",
			RateLimit:       50,
			RateBurst:       100,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Protocol: ProtocolConfig{
			Cycles:       3,
			LowDuration:  Duration(7 * time.Minute),
			HighDuration: Duration(3 * time.Minute),
		},
		Session: SessionConfig{
			SafetyTimeout:        Duration(2 * time.Hour),
			CheckpointEveryTicks: 5,
		},
		Checkpoint: CheckpointConfig{
			Dir:        "~/.altitude/checkpoint",
			SyncWrites: true,
			GCInterval: Duration(5 * time.Minute),
		},
		Recovery: RecoveryConfig{
			Window: Duration(10 * time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			BatchSize:     50,
			FlushInterval: Duration(2 * time.Second),
			Influx: InfluxConfig{
				URL:    "http://localhost:8086",
				Org:    "altitude",
				Bucket: "sessions",
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      Duration(30 * time.Second),
			},
		},
		History: HistoryConfig{
			Path: "~/.altitude/history.db",
		},
		Export: ExportConfig{
			Enabled: false,
			Prefix:  "sessions",
		},
		KeepAlive: KeepAliveConfig{
			Enabled:  false,
			Path:     "~/.altitude/awake",
			Interval: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Observability: ObservabilityConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			Environment:    "development",
		},
	}
}

// Validate checks the merged configuration.
//
// Description:
//
//	Field-level bounds run through validator tags; cross-field rules
//	that tags cannot express (enabled sections requiring their backends)
//	are checked explicitly.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Telemetry.Enabled {
		i := c.Telemetry.Influx
		if i.URL == "" || i.Org == "" || i.Bucket == "" {
			return fmt.Errorf("telemetry enabled but influx url/org/bucket incomplete")
		}
		if i.Token == "" && i.TokenFile == "" {
			return fmt.Errorf("telemetry enabled but no influx token or token_file configured")
		}
	}

	if c.Export.Enabled && c.Export.Bucket == "" {
		return fmt.Errorf("export enabled but no bucket configured")
	}

	if c.KeepAlive.Enabled && c.KeepAlive.Path == "" {
		return fmt.Errorf("keep_alive enabled but no stamp path configured")
	}

	return nil
}
