package main

import (
	"testing"

	"github.com/shopspring/decimal"

	"cashledger/backend/internal/config"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := map[string]config.Config{
		"short secret":           {JWTSecret: "short"},
		"default in production":  {Env: "production", JWTSecret: config.DefaultJWTSecret},
		"auth off in production": {Env: "prod", JWTSecret: strongSecret, AuthDisabled: true},
	}
	for name, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("%s: expected config to be rejected", name)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{Env: "production", JWTSecret: strongSecret}); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
	if err := validateSecurityConfig(config.Config{Env: "development", JWTSecret: config.DefaultJWTSecret}); err != nil {
		t.Fatalf("expected dev default to pass, got %v", err)
	}
	if err := validateSecurityConfig(config.Config{Env: "development", AuthDisabled: true}); err != nil {
		t.Fatalf("expected dev without auth to pass, got %v", err)
	}
}

func TestDeviationPolicyFromConfig(t *testing.T) {
	policy, err := deviationPolicy(config.Config{DeviationMinorTolerance: 500, DeviationWarningPct: "1.5"})
	if err != nil {
		t.Fatalf("deviation policy: %v", err)
	}
	if policy.MinorTolerance != 500 || !policy.WarningPct.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected policy %+v", policy)
	}

	if _, err := deviationPolicy(config.Config{DeviationWarningPct: "two"}); err == nil {
		t.Fatalf("expected malformed percentage to be rejected")
	}
	if _, err := deviationPolicy(config.Config{DeviationWarningPct: "-1"}); err == nil {
		t.Fatalf("expected negative percentage to be rejected")
	}
}
