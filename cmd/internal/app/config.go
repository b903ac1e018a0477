package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"AUTHD_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"AUTHD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"AUTHD_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"AUTHD_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"AUTHD_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"AUTHD_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"AUTHD_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"AUTHD_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// Store selects the persistence backend: memory, postgres or sqlite.
	Store string `env:"AUTHD_STORE" envDefault:"memory"`

	DatabaseURL string `env:"AUTHD_DATABASE_URL"`
	DBSchema    string `env:"AUTHD_DB_SCHEMA" envDefault:"authd"`
	DBMaxConns  int32  `env:"AUTHD_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns  int32  `env:"AUTHD_DB_MIN_CONNS" envDefault:"0"`

	SQLitePath string `env:"AUTHD_SQLITE_PATH" envDefault:"authd.db"`

	// AutoMigrate creates tables at startup when the backend is persistent.
	AutoMigrate bool `env:"AUTHD_AUTO_MIGRATE" envDefault:"true"`

	// If true, /readyz returns 503 unless a persistent store is configured and reachable.
	ReadinessRequireDB bool `env:"AUTHD_READINESS_REQUIRE_DB" envDefault:"false"`

	// If true, AUTHD_TOKEN_FINGERPRINT_KEY must be set (>= 32 bytes) so
	// refresh-token fingerprints in logs are keyed.
	RequireFingerprintKey bool `env:"AUTHD_REQUIRE_FINGERPRINT_KEY" envDefault:"false"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("app config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return Config{}, fmt.Errorf("app config: AUTHD_STORE=postgres requires AUTHD_DATABASE_URL")
		}
	case StoreSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return Config{}, fmt.Errorf("app config: AUTHD_STORE=sqlite requires AUTHD_SQLITE_PATH")
		}
	default:
		return Config{}, fmt.Errorf("app config: unknown AUTHD_STORE %q", cfg.Store)
	}
	return cfg, nil
}
