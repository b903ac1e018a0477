package authapi

import (
	"net/http"
	"testing"
	"time"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.TrustProxy {
		t.Fatalf("TrustProxy should default to false")
	}
	if cfg.MaxBodyBytes != 64<<10 || cfg.LoginIPMax != 20 || cfg.LoginIPWindow != 5*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.CookieSecure || cfg.CookieSameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie defaults should be strict and secure: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("AUTHD_API_TRUST_PROXY", "true")
	t.Setenv("AUTHD_API_LOGIN_IP_MAX", "7")
	t.Setenv("AUTHD_API_COOKIE_SAMESITE", "Lax")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if !cfg.TrustProxy || cfg.LoginIPMax != 7 || cfg.CookieSameSite != http.SameSiteLaxMode {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_RejectsBadSameSite(t *testing.T) {
	t.Setenv("AUTHD_API_COOKIE_SAMESITE", "sometimes")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected error")
	}
}
