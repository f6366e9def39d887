package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LinesSource != "overpass" {
		t.Errorf("LinesSource = %q", cfg.LinesSource)
	}
	if cfg.CacheTTL != 7*24*time.Hour {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if len(cfg.BoundaryVersions) == 0 || cfg.BoundaryVersions[0] < cfg.BoundaryVersions[len(cfg.BoundaryVersions)-1] {
		t.Errorf("BoundaryVersions should be ranked newest first: %v", cfg.BoundaryVersions)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUSMAP_PORT", "9999")
	t.Setenv("BUSMAP_BOUNDARY_VERSIONS", "2030, 2029")
	t.Setenv("BUSMAP_ACTUALS_TTL", "45s")
	t.Setenv("BUSMAP_STOPAREA_RADIUS_M", "120.5")

	cfg := Load()
	if cfg.Port != 9999 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if len(cfg.BoundaryVersions) != 2 || cfg.BoundaryVersions[0] != 2030 {
		t.Errorf("BoundaryVersions = %v", cfg.BoundaryVersions)
	}
	if cfg.ActualsTTL != 45*time.Second {
		t.Errorf("ActualsTTL = %v", cfg.ActualsTTL)
	}
	if cfg.StopAreaRadiusM != 120.5 {
		t.Errorf("StopAreaRadiusM = %v", cfg.StopAreaRadiusM)
	}
}

func TestEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("BUSMAP_PORT", "not-a-number")
	t.Setenv("BUSMAP_BOUNDARY_VERSIONS", "2030,abc")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("invalid port should keep default, got %d", cfg.Port)
	}
	if cfg.BoundaryVersions[0] != 2026 {
		t.Errorf("invalid version list should keep default, got %v", cfg.BoundaryVersions)
	}
}
