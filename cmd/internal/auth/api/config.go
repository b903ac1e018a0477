package authapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool  `env:"AUTHD_API_TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes int64 `env:"AUTHD_API_MAX_BODY_BYTES" envDefault:"65536"`

	// Failed logins per client IP within LoginIPWindow before 429.
	LoginIPMax    int           `env:"AUTHD_API_LOGIN_IP_MAX" envDefault:"20"`
	LoginIPWindow time.Duration `env:"AUTHD_API_LOGIN_IP_WINDOW" envDefault:"5m"`

	// Web clients may keep the refresh token in an HttpOnly cookie guarded by
	// a double-submit CSRF token instead of the JSON body.
	WebRefreshCookieEnabled bool   `env:"AUTHD_API_WEB_COOKIE" envDefault:"true"`
	RefreshCookieName       string `env:"AUTHD_API_REFRESH_COOKIE" envDefault:"authd_refresh"`
	CSRFCookieName          string `env:"AUTHD_API_CSRF_COOKIE" envDefault:"authd_csrf"`
	CSRFHeaderName          string `env:"AUTHD_API_CSRF_HEADER" envDefault:"X-CSRF-Token"`
	CookiePath              string `env:"AUTHD_API_COOKIE_PATH" envDefault:"/auth"`
	CookieDomain            string `env:"AUTHD_API_COOKIE_DOMAIN"`
	CookieSecure            bool   `env:"AUTHD_API_COOKIE_SECURE" envDefault:"true"`
	CookieSameSiteRaw       string `env:"AUTHD_API_COOKIE_SAMESITE" envDefault:"strict"`

	CookieSameSite http.SameSite
}

// DefaultConfig returns the envDefault values.
func DefaultConfig() Config {
	var cfg Config
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	cfg.CookieSameSite, _ = parseSameSite(cfg.CookieSameSiteRaw)
	return cfg
}

// LoadConfigFromEnv loads AUTHD_API_* settings.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("auth api config: %w", err)
	}

	ss, ok := parseSameSite(cfg.CookieSameSiteRaw)
	if !ok {
		return Config{}, fmt.Errorf("auth api config: unknown samesite %q", cfg.CookieSameSiteRaw)
	}
	cfg.CookieSameSite = ss

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.LoginIPWindow <= 0 {
		cfg.LoginIPWindow = 5 * time.Minute
	}
	return cfg, nil
}

func parseSameSite(s string) (http.SameSite, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return http.SameSiteStrictMode, true
	case "lax":
		return http.SameSiteLaxMode, true
	case "none":
		return http.SameSiteNoneMode, true
	default:
		return http.SameSiteDefaultMode, false
	}
}
