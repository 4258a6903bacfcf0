package main

import (
	"testing"

	"github.com/shopspring/decimal"

	"kasirpoin/backend/internal/config"
	"kasirpoin/backend/internal/payment"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: "short"}); err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	if err := validateSecurityConfig(config.Config{AuthSecret: strongSecret, Environment: "development"}); err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestValidateSecurityConfigRequiresProviderInProduction(t *testing.T) {
	cfg := config.Config{
		AuthSecret:    strongSecret,
		Environment:   "production",
		DatabaseURL:   "postgres://pos@db/pos",
		AllowedOrigin: "https://pos.example.com",
	}
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected production without PayOS credentials to be rejected")
	}

	cfg.PayOSClientID, cfg.PayOSAPIKey, cfg.PayOSChecksumKey = "client", "key", "checksum"
	if err := validateSecurityConfig(cfg); err != nil {
		t.Fatalf("expected complete production config to pass, got %v", err)
	}

	cfg.AllowedOrigin = "*"
	if err := validateSecurityConfig(cfg); err == nil {
		t.Fatalf("expected wildcard origin to be rejected in production")
	}
}

func TestPaymentProviderFallsBackToSandbox(t *testing.T) {
	provider, signer, sandbox := paymentProvider(config.Config{AuthSecret: strongSecret, Port: "8080"})
	if !sandbox {
		t.Fatalf("expected sandbox provider without credentials")
	}
	if _, ok := provider.(payment.SandboxProvider); !ok {
		t.Fatalf("expected SandboxProvider, got %T", provider)
	}
	signature := signer.Sign("orderCode=1")
	if payment.NewSigner(strongSecret+":sandbox-payments").Verify("orderCode=1", signature) {
		t.Fatalf("sandbox key must not be derived from the auth secret")
	}
	if _, other, _ := paymentProvider(config.Config{AuthSecret: strongSecret}); other.Verify("orderCode=1", signature) {
		t.Fatalf("expected a fresh sandbox key per process start")
	}

	provider, _, sandbox = paymentProvider(config.Config{
		PayOSClientID:    "client",
		PayOSAPIKey:      "key",
		PayOSChecksumKey: "checksum",
	})
	if sandbox {
		t.Fatalf("expected PayOS provider with credentials")
	}
	if _, ok := provider.(*payment.PayOSClient); !ok {
		t.Fatalf("expected *PayOSClient, got %T", provider)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	policy := policyFromConfig(config.Config{
		TaxRate:            decimal.RequireFromString("0.11"),
		PointValue:         500,
		PointEarnThreshold: 20000,
	})
	if !policy.TaxRate.Equal(decimal.RequireFromString("0.11")) || policy.PointValue != 500 || policy.EarnThreshold != 20000 {
		t.Fatalf("unexpected policy %+v", policy)
	}
}
