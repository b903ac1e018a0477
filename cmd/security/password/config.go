package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Params controls Argon2id hashing cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Params struct {
	MemoryKiB   uint32 `env:"AUTHD_ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"AUTHD_ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"AUTHD_ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"AUTHD_ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"AUTHD_ARGON2_KEY_LEN"`
}

// Policy controls password acceptance at registration time.
type Policy struct {
	MinLength      int  `env:"AUTHD_PASSWORD_MIN_LEN"`
	MaxLength      int  `env:"AUTHD_PASSWORD_MAX_LEN"`
	RejectVeryWeak bool `env:"AUTHD_PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Params
	Policy Policy
}

// DefaultConfig returns interactive-login Argon2id costs and an 8..256 rune policy.
func DefaultConfig() Config {
	// Parallelism follows the host but stays within [1..4] so container usage is predictable.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Params{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// FromEnv overlays AUTHD_PASSWORD_* and AUTHD_ARGON2_* variables on DefaultConfig.
//
// Unset variables keep their default. Out-of-range values return an error wrapping ErrConfig.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	p := c.Params
	switch {
	case p.MemoryKiB < 8*1024 || p.MemoryKiB > 1024*1024:
		return fmt.Errorf("%w: AUTHD_ARGON2_MEMORY_KIB out of range [8192..1048576]", ErrConfig)
	case p.Iterations < 1 || p.Iterations > 20:
		return fmt.Errorf("%w: AUTHD_ARGON2_ITERATIONS out of range [1..20]", ErrConfig)
	case p.Parallelism < 1 || p.Parallelism > 64:
		return fmt.Errorf("%w: AUTHD_ARGON2_PARALLELISM out of range [1..64]", ErrConfig)
	case p.SaltLength < 8 || p.SaltLength > 64:
		return fmt.Errorf("%w: AUTHD_ARGON2_SALT_LEN out of range [8..64]", ErrConfig)
	case p.KeyLength < 16 || p.KeyLength > 64:
		return fmt.Errorf("%w: AUTHD_ARGON2_KEY_LEN out of range [16..64]", ErrConfig)
	}

	pol := c.Policy
	if pol.MinLength < 1 || pol.MaxLength > 4096 {
		return fmt.Errorf("%w: password length bounds out of range", ErrConfig)
	}
	if pol.MinLength > pol.MaxLength {
		return fmt.Errorf("%w: min_len(%d) > max_len(%d)", ErrConfig, pol.MinLength, pol.MaxLength)
	}
	return nil
}
