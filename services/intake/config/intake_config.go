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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Default upstream endpoints of the hosted inference service.
const (
	DefaultStage1URL = "https://sepsis-spotter-beta.onrender.com/s1_infer"
	DefaultStage2URL = "https://sepsis-spotter-beta.onrender.com/s2_infer"
)

// IntakeConfig holds all process configuration for the intake engine.
//
// Description:
//
//	Loaded from environment variables at startup via LoadIntakeConfig().
//	Read-only after loading; components receive the sub-struct they need
//	through their constructors rather than reading the environment.
//
// Thread Safety: IntakeConfig is a value type. Safe to copy and share after loading.
type IntakeConfig struct {
	Stages  StageConfig
	Session SessionConfig
	Audit   AuditConfig

	// AliasesFile is an optional alias override file, hot-reloaded on change.
	// Env: SPOTTER_ALIASES_FILE (default: "" = embedded table only)
	AliasesFile string

	// TraceExporter selects the span exporter.
	// Env: SPOTTER_TRACE_EXPORTER (none, stdout, otlp; default: none)
	TraceExporter string `validate:"oneof=none stdout otlp"`
}

// StageConfig configures the two outbound inference calls.
type StageConfig struct {
	// Stage1URL is the stage-1 inference endpoint.
	// Env: SEPSIS_API_URL_S1
	Stage1URL string `validate:"required,url"`

	// Stage2URL is the stage-2 inference endpoint.
	// Env: SEPSIS_API_URL_S2
	Stage2URL string `validate:"required,url"`

	// ConnectTimeout bounds TCP/TLS connection setup.
	// Env: SPOTTER_CONNECT_TIMEOUT (default: 5s)
	ConnectTimeout time.Duration `validate:"gt=0"`

	// Stage1ReadTimeout bounds waiting for the stage-1 response.
	// Env: SPOTTER_S1_READ_TIMEOUT (default: 30s)
	Stage1ReadTimeout time.Duration `validate:"gt=0"`

	// Stage2ReadTimeout bounds waiting for the stage-2 response. Never shorter
	// than the stage-1 budget.
	// Env: SPOTTER_S2_READ_TIMEOUT (default: 90s)
	Stage2ReadTimeout time.Duration `validate:"gtefield=Stage1ReadTimeout"`

	// MaxRetries is the number of automatic retries on 502/503/504.
	// Env: SPOTTER_MAX_RETRIES (default: 2)
	MaxRetries int `validate:"gte=0,lte=5"`

	// RetryBackoff is the initial exponential backoff interval.
	// Env: SPOTTER_RETRY_BACKOFF (default: 250ms)
	RetryBackoff time.Duration `validate:"gt=0"`

	// ApplyCalibration is sent with every stage-2 call.
	// Env: SPOTTER_APPLY_CALIBRATION (default: true)
	ApplyCalibration bool

	// AllowHeavyImpute is sent with stage-2 calls when true.
	// Env: SPOTTER_ALLOW_HEAVY_IMPUTE (default: false)
	AllowHeavyImpute bool

	// RatePerMin caps calls per stage per session per minute. 0 disables
	// the limit.
	// Env: SPOTTER_RATE_PER_MIN (default: 0)
	RatePerMin int `validate:"gte=0"`
}

// SessionConfig configures per-conversation persistence.
type SessionConfig struct {
	// Dir is the BadgerDB directory. Empty selects the in-memory store.
	// Env: SPOTTER_SESSION_DIR (default: ~/.spotter/sessions)
	Dir string

	// TTL is how long an idle session is kept.
	// Env: SPOTTER_SESSION_TTL (default: 24h)
	TTL time.Duration `validate:"gt=0"`
}

// AuditConfig configures the stage-invocation audit trail.
type AuditConfig struct {
	// Enabled controls structured audit logging of stage calls.
	// Env: SPOTTER_AUDIT_ENABLED (default: true)
	Enabled bool

	// DBPath is an optional SQLite file receiving audit records.
	// Env: SPOTTER_AUDIT_DB (default: "" = log only)
	DBPath string
}

// DefaultStageConfig returns the stage defaults without reading the
// environment. Used by tests and the CLI.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		Stage1URL:         DefaultStage1URL,
		Stage2URL:         DefaultStage2URL,
		ConnectTimeout:    5 * time.Second,
		Stage1ReadTimeout: 30 * time.Second,
		Stage2ReadTimeout: 90 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      250 * time.Millisecond,
		ApplyCalibration:  true,
		RatePerMin:        0,
	}
}

// LoadIntakeConfig reads configuration from environment variables.
//
// Description:
//
//	Reads SEPSIS_API_URL_S1/S2 and all SPOTTER_* variables, applying safe
//	defaults for anything unset or unparsable, then validates the result.
//
// Outputs:
//   - *IntakeConfig: Fully populated configuration.
//   - error: Non-nil if the resulting configuration is invalid.
func LoadIntakeConfig() (*IntakeConfig, error) {
	def := DefaultStageConfig()
	cfg := &IntakeConfig{
		Stages: StageConfig{
			Stage1URL:         envString("SEPSIS_API_URL_S1", def.Stage1URL),
			Stage2URL:         envString("SEPSIS_API_URL_S2", def.Stage2URL),
			ConnectTimeout:    envDuration("SPOTTER_CONNECT_TIMEOUT", def.ConnectTimeout),
			Stage1ReadTimeout: envDuration("SPOTTER_S1_READ_TIMEOUT", def.Stage1ReadTimeout),
			Stage2ReadTimeout: envDuration("SPOTTER_S2_READ_TIMEOUT", def.Stage2ReadTimeout),
			MaxRetries:        envInt("SPOTTER_MAX_RETRIES", def.MaxRetries),
			RetryBackoff:      envDuration("SPOTTER_RETRY_BACKOFF", def.RetryBackoff),
			ApplyCalibration:  envBool("SPOTTER_APPLY_CALIBRATION", def.ApplyCalibration),
			AllowHeavyImpute:  envBool("SPOTTER_ALLOW_HEAVY_IMPUTE", def.AllowHeavyImpute),
			RatePerMin:        envInt("SPOTTER_RATE_PER_MIN", def.RatePerMin),
		},
		Session: SessionConfig{
			Dir: envString("SPOTTER_SESSION_DIR", defaultSessionDir()),
			TTL: envDuration("SPOTTER_SESSION_TTL", 24*time.Hour),
		},
		Audit: AuditConfig{
			Enabled: envBool("SPOTTER_AUDIT_ENABLED", true),
			DBPath:  envString("SPOTTER_AUDIT_DB", ""),
		},
		AliasesFile:   envString("SPOTTER_ALIASES_FILE", ""),
		TraceExporter: strings.ToLower(envString("SPOTTER_TRACE_EXPORTER", "none")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints on the whole configuration.
func (c *IntakeConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid intake config: %w", err)
	}
	return nil
}

// Validate checks struct constraints on the stage configuration alone.
func (c StageConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid stage config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func defaultSessionDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".spotter", "sessions")
}

// envString reads a string environment variable with a default value.
func envString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// envBool reads a boolean environment variable with a default value.
func envBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

// envInt reads an integer environment variable with a default value.
func envInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// envDuration reads a duration ("30s", "1m") or whole seconds ("30").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}
