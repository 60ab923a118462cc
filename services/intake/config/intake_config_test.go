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
	"testing"
	"time"
)

func TestLoadIntakeConfig_Defaults(t *testing.T) {
	t.Setenv("SEPSIS_API_URL_S1", "")
	t.Setenv("SEPSIS_API_URL_S2", "")
	t.Setenv("SPOTTER_TRACE_EXPORTER", "")
	t.Setenv("SPOTTER_RATE_PER_MIN", "")

	cfg, err := LoadIntakeConfig()
	if err != nil {
		t.Fatalf("LoadIntakeConfig: %v", err)
	}
	if cfg.Stages.Stage1URL != DefaultStage1URL {
		t.Errorf("Stage1URL = %q", cfg.Stages.Stage1URL)
	}
	if cfg.Stages.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", cfg.Stages.MaxRetries)
	}
	if cfg.Stages.Stage2ReadTimeout <= cfg.Stages.Stage1ReadTimeout {
		t.Error("stage 2 should get a longer read budget by default")
	}
	if !cfg.Stages.ApplyCalibration || cfg.Stages.AllowHeavyImpute {
		t.Error("calibration defaults wrong")
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q", cfg.TraceExporter)
	}
	if cfg.Stages.RatePerMin != 0 {
		t.Errorf("RatePerMin = %d, want 0 (disabled)", cfg.Stages.RatePerMin)
	}
}

func TestLoadIntakeConfig_FromEnv(t *testing.T) {
	t.Setenv("SEPSIS_API_URL_S1", "http://localhost:9000/s1")
	t.Setenv("SEPSIS_API_URL_S2", "http://localhost:9000/s2")
	t.Setenv("SPOTTER_CONNECT_TIMEOUT", "2s")
	t.Setenv("SPOTTER_S1_READ_TIMEOUT", "10")
	t.Setenv("SPOTTER_S2_READ_TIMEOUT", "1m")
	t.Setenv("SPOTTER_MAX_RETRIES", "1")
	t.Setenv("SPOTTER_ALLOW_HEAVY_IMPUTE", "true")
	t.Setenv("SPOTTER_AUDIT_ENABLED", "false")
	t.Setenv("SPOTTER_TRACE_EXPORTER", "STDOUT")

	cfg, err := LoadIntakeConfig()
	if err != nil {
		t.Fatalf("LoadIntakeConfig: %v", err)
	}
	if cfg.Stages.Stage1URL != "http://localhost:9000/s1" {
		t.Errorf("Stage1URL = %q", cfg.Stages.Stage1URL)
	}
	if cfg.Stages.ConnectTimeout != 2*time.Second {
		t.Errorf("ConnectTimeout = %v", cfg.Stages.ConnectTimeout)
	}
	if cfg.Stages.Stage1ReadTimeout != 10*time.Second {
		t.Errorf("Stage1ReadTimeout = %v, want whole seconds parsed", cfg.Stages.Stage1ReadTimeout)
	}
	if cfg.Stages.Stage2ReadTimeout != time.Minute {
		t.Errorf("Stage2ReadTimeout = %v", cfg.Stages.Stage2ReadTimeout)
	}
	if cfg.Stages.MaxRetries != 1 || !cfg.Stages.AllowHeavyImpute || cfg.Audit.Enabled {
		t.Errorf("unexpected stage/audit config: %+v %+v", cfg.Stages, cfg.Audit)
	}
	if cfg.TraceExporter != "stdout" {
		t.Errorf("TraceExporter = %q", cfg.TraceExporter)
	}
}

func TestLoadIntakeConfig_UnparsableFallsBack(t *testing.T) {
	t.Setenv("SPOTTER_MAX_RETRIES", "lots")
	t.Setenv("SPOTTER_APPLY_CALIBRATION", "maybe")

	cfg, err := LoadIntakeConfig()
	if err != nil {
		t.Fatalf("LoadIntakeConfig: %v", err)
	}
	if cfg.Stages.MaxRetries != 2 || !cfg.Stages.ApplyCalibration {
		t.Errorf("unparsable values should fall back to defaults: %+v", cfg.Stages)
	}
}

func TestLoadIntakeConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad url", map[string]string{"SEPSIS_API_URL_S1": "not a url"}},
		{"s2 shorter than s1", map[string]string{"SPOTTER_S1_READ_TIMEOUT": "60s", "SPOTTER_S2_READ_TIMEOUT": "5s"}},
		{"too many retries", map[string]string{"SPOTTER_MAX_RETRIES": "9"}},
		{"unknown exporter", map[string]string{"SPOTTER_TRACE_EXPORTER": "jaeger"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadIntakeConfig(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultStageConfig_Valid(t *testing.T) {
	if err := DefaultStageConfig().Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}
