package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadFallsBackOnBadTTLs(t *testing.T) {
	t.Setenv("CATALOG_TTL_SECONDS", "not-a-number")
	t.Setenv("ALERT_TTL_SECONDS", "-5")

	cfg := Load()
	if cfg.CatalogTTLSeconds != 30 {
		t.Fatalf("expected catalog TTL fallback 30, got %d", cfg.CatalogTTLSeconds)
	}
	if cfg.AlertTTLSeconds != 30 {
		t.Fatalf("expected alert TTL fallback 30, got %d", cfg.AlertTTLSeconds)
	}
}
