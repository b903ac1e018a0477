package session

import (
	"fmt"
	"strings"
	"time"

	"authd/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// Access token wire formats.
const (
	FormatPASETO = "paseto"
	FormatJWT    = "jwt"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Issuer is set as "iss" on access tokens and required on verification.
	Issuer string `env:"AUTHD_ISSUER" envDefault:"authd"`

	// AccessTokenTTL is deliberately minutes; RefreshTokenTTL is days.
	AccessTokenTTL  time.Duration `env:"AUTHD_ACCESS_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"AUTHD_REFRESH_TTL" envDefault:"168h"`

	// RefreshTokenBytes is the entropy of opaque refresh tokens (32..64).
	RefreshTokenBytes int `env:"AUTHD_REFRESH_TOKEN_BYTES" envDefault:"32"`

	// ClockSkew is tolerated when verifying access tokens.
	ClockSkew time.Duration `env:"AUTHD_CLOCK_SKEW" envDefault:"30s"`

	// DefaultRole is assigned on Register.
	DefaultRole string `env:"AUTHD_DEFAULT_ROLE" envDefault:"user"`

	AccessTokenFormat    string `env:"AUTHD_ACCESS_TOKEN_FORMAT" envDefault:"paseto"`
	PasetoV4SecretKeyHex string `env:"AUTHD_PASETO_V4_SECRET_KEY_HEX"`
	JWTSecret            string `env:"AUTHD_JWT_SECRET"`
}

// DefaultConfig returns the envDefault values with no signing keys.
func DefaultConfig() Config {
	var cfg Config
	// An empty environment leaves only the envDefault tags in effect.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadConfigFromEnv loads and validates AUTHD_* session settings.
//
// Required depending on AUTHD_ACCESS_TOKEN_FORMAT:
//   - paseto: AUTHD_PASETO_V4_SECRET_KEY_HEX
//   - jwt:    AUTHD_JWT_SECRET (>= 32 bytes)
//
// Errors wrap ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg.AccessTokenFormat = strings.ToLower(strings.TrimSpace(cfg.AccessTokenFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between settings.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("%w: issuer is empty", ErrConfig)
	case c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0:
		return fmt.Errorf("%w: token ttls must be positive", ErrConfig)
	case c.AccessTokenTTL >= c.RefreshTokenTTL:
		return fmt.Errorf("%w: access ttl must be shorter than refresh ttl", ErrConfig)
	case c.RefreshTokenBytes < 32 || c.RefreshTokenBytes > 64:
		return fmt.Errorf("%w: refresh token bytes out of range [32..64]", ErrConfig)
	case c.ClockSkew < 0:
		return fmt.Errorf("%w: clock skew is negative", ErrConfig)
	}
	if _, ok := identity.ParseRole(c.DefaultRole); !ok {
		return fmt.Errorf("%w: unknown default role %q", ErrConfig, c.DefaultRole)
	}

	switch c.AccessTokenFormat {
	case FormatPASETO:
		if strings.TrimSpace(c.PasetoV4SecretKeyHex) == "" {
			return fmt.Errorf("%w: AUTHD_PASETO_V4_SECRET_KEY_HEX is required", ErrConfig)
		}
	case FormatJWT:
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("%w: AUTHD_JWT_SECRET must be at least 32 bytes", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown access token format %q", ErrConfig, c.AccessTokenFormat)
	}
	return nil
}

func (c Config) defaultRole() identity.Role {
	r, _ := identity.ParseRole(c.DefaultRole)
	return r
}
