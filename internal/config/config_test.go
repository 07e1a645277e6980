package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DATABASE_URL", "")

	cfg := load(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
	if cfg.SummaryCacheTTL != 10*time.Minute {
		t.Fatalf("expected 10m summary ttl, got %s", cfg.SummaryCacheTTL)
	}
	if cfg.DatabaseURL != "" {
		t.Fatalf("expected empty DATABASE_URL, got %q", cfg.DatabaseURL)
	}
	if cfg.InvoiceRangeEnd != 9999999 {
		t.Fatalf("unexpected invoice range end %d", cfg.InvoiceRangeEnd)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PORT=9090\nCORS_ALLOWED_ORIGINS=https://a.example, https://b.example\nALLOW_NEGATIVE_ADJUSTMENT=true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("PORT", "7070")
	t.Setenv("APP_ENV", "Production")

	cfg := load(path)
	if cfg.Port != "7070" {
		t.Fatalf("expected env to win, got %q", cfg.Port)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !cfg.AllowNegativeAdjustment {
		t.Fatalf("expected ALLOW_NEGATIVE_ADJUSTMENT from file")
	}
	if !cfg.Production() {
		t.Fatalf("expected production env")
	}
}
