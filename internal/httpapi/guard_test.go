package httpapi

import (
	"testing"
	"time"
)

func TestCSRFTokenSurvivesOneWindow(t *testing.T) {
	issuer, err := newCSRFIssuer(time.Hour)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	issued := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	token := issuer.Issue(issued)

	if !issuer.Valid(token, issued.Add(30*time.Minute)) {
		t.Fatalf("expected token to be valid in the following window")
	}
	if issuer.Valid(token, issued.Add(2*time.Hour)) {
		t.Fatalf("expected token to expire after two windows")
	}
	if issuer.Valid("", issued) {
		t.Fatalf("expected empty token to be rejected")
	}

	other, _ := newCSRFIssuer(time.Hour)
	if other.Valid(token, issued) {
		t.Fatalf("expected token from another process key to be rejected")
	}
}

func TestLoginLimiterResetsAfterWindow(t *testing.T) {
	limiter := newLoginLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	if !limiter.Allow("10.0.0.1", now) || !limiter.Allow("10.0.0.1", now.Add(time.Second)) {
		t.Fatalf("expected first two attempts to pass")
	}
	if limiter.Allow("10.0.0.1", now.Add(2*time.Second)) {
		t.Fatalf("expected third attempt to be limited")
	}
	if !limiter.Allow("10.0.0.2", now.Add(2*time.Second)) {
		t.Fatalf("expected another client to be unaffected")
	}
	if !limiter.Allow("10.0.0.1", now.Add(time.Minute)) {
		t.Fatalf("expected a new window to allow attempts again")
	}
}

func TestClientKeyStripsPort(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1:1234":    "192.0.2.1",
		"[2001:db8::1]:443": "2001:db8::1",
		"192.0.2.9":         "192.0.2.9",
		"":                  "unknown",
	}
	for in, want := range cases {
		if got := clientKey(in); got != want {
			t.Fatalf("clientKey(%q) = %q, want %q", in, got, want)
		}
	}
}
