package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Policy    PolicyConfig
	Lock      LockConfig
	Runtime   RuntimeConfig
	Retention RetentionConfig
	Watcher   WatcherConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8080"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/rulegate.db"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"
}

// PolicyConfig holds guardrail thresholds.
type PolicyConfig struct {
	RuleQuota           int     `env:"POLICY_RULE_QUOTA" envDefault:"5000"`
	MaxBlastRadius      float64 `env:"POLICY_MAX_BLAST_RADIUS" envDefault:"0.5"`
	HotDisableAlertRate float64 `env:"POLICY_HOT_DISABLE_ALERT_RATE" envDefault:"10"` // alerts/hour
	ProtectedRules      string  `env:"POLICY_PROTECTED_RULES"`                        // comma-separated glob patterns
}

// GetProtectedRules returns the protected rule patterns as a slice.
func (c *PolicyConfig) GetProtectedRules() []string {
	if c.ProtectedRules == "" {
		return nil
	}
	patterns := strings.Split(c.ProtectedRules, ",")
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}
	return patterns
}

// LockConfig holds deployment lock lease configuration.
type LockConfig struct {
	TTL  time.Duration `env:"LOCK_TTL" envDefault:"15m"`
	Wait time.Duration `env:"LOCK_WAIT" envDefault:"10s"`
}

// RuntimeConfig holds detection runtime probe configuration. An empty URL
// selects the static shim (always healthy, no alert rates).
type RuntimeConfig struct {
	URL     string        `env:"RUNTIME_URL"`
	Timeout time.Duration `env:"RUNTIME_TIMEOUT" envDefault:"5s"`
}

// RetentionConfig holds artifact retention configuration. Days <= 0
// disables pruning.
type RetentionConfig struct {
	Days     int    `env:"RETENTION_DAYS" envDefault:"90"`
	Schedule string `env:"RETENTION_SCHEDULE" envDefault:"0 3 * * *"`
}

// WatcherConfig holds pack directory watcher configuration. An empty
// directory disables the watcher.
type WatcherConfig struct {
	Dir      string        `env:"WATCH_DIR"`
	Debounce time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`
	TenantID string        `env:"WATCH_TENANT" envDefault:"default"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("parsing logging config: %w", err)
	}
	if err := env.Parse(&cfg.Policy); err != nil {
		return nil, fmt.Errorf("parsing policy config: %w", err)
	}
	if err := env.Parse(&cfg.Lock); err != nil {
		return nil, fmt.Errorf("parsing lock config: %w", err)
	}
	if err := env.Parse(&cfg.Runtime); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}
	if err := env.Parse(&cfg.Retention); err != nil {
		return nil, fmt.Errorf("parsing retention config: %w", err)
	}
	if err := env.Parse(&cfg.Watcher); err != nil {
		return nil, fmt.Errorf("parsing watcher config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite3 or postgres, got %q", c.Database.Driver)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Logging.Format)
	}

	if c.Policy.RuleQuota <= 0 {
		return fmt.Errorf("POLICY_RULE_QUOTA must be positive")
	}
	if c.Policy.MaxBlastRadius <= 0 || c.Policy.MaxBlastRadius > 1 {
		return fmt.Errorf("POLICY_MAX_BLAST_RADIUS must be in (0, 1]")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}

	return nil
}

// UseStaticRuntime returns true if the static runtime shim should be used
// instead of a real detection runtime.
func (c *Config) UseStaticRuntime() bool {
	return c.Runtime.URL == ""
}
