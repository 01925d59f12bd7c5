package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"session-auth/internal/token"
)

const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is decoded from the environment. Defaults live in the struct tags.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	SigningSecrets  string        `env:"SIGNING_SECRETS,required"`
	TokenIssuer     string        `env:"TOKEN_ISSUER,default=session-auth"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`

	LoginMaxAttempts      int           `env:"LOGIN_MAX_ATTEMPTS,default=5"`
	LoginLockDuration     time.Duration `env:"LOGIN_LOCK_DURATION,default=60s"`
	LoginFailureRetention time.Duration `env:"LOGIN_FAILURE_RETENTION,default=15m"`
	LoginRateLimitRPS     float64       `env:"LOGIN_RATE_LIMIT_RPS,default=1"`
	LoginRateLimitBurst   int           `env:"LOGIN_RATE_LIMIT_BURST,default=10"`

	MultiTenant          bool `env:"MULTI_TENANT,default=false"`
	RevokeFamilyOnReplay bool `env:"REVOKE_FAMILY_ON_REPLAY,default=false"`

	StateBackend   string `env:"STATE_BACKEND,default=auto"`
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=session-auth:"`

	CookieAuth    bool `env:"COOKIE_AUTH,default=false"`
	SecureCookies bool `env:"SECURE_COOKIES,default=true"`

	CronSecret         string `env:"CRON_SECRET"`
	SweepSchedule      string `env:"SWEEP_SCHEDULE,default=@every 1m"`
	AuditRetentionDays int    `env:"AUDIT_RETENTION_DAYS,default=30"`
	AuditQueueSize     int    `env:"AUDIT_QUEUE_SIZE,default=1024"`

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME,default=10m"`

	RunMigrationsOnStartup bool `env:"RUN_MIGRATIONS_ON_STARTUP,default=false"`

	SentryDSN string `env:"SENTRY_DSN"`
	AppEnv    string `env:"APP_ENV,default=development"`
	Port      string `env:"PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`

	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminTenant   string `env:"ADMIN_TENANT"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Secrets returns the signing secrets in order, primary first.
func (c Config) Secrets() []string {
	parts := strings.Split(c.SigningSecrets, ",")
	secrets := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			secrets = append(secrets, part)
		}
	}
	return secrets
}

// Backend resolves auto to redis when REDIS_ADDR is set and postgres otherwise.
func (c Config) Backend() string {
	backend := strings.ToLower(strings.TrimSpace(c.StateBackend))
	if backend == "" || backend == BackendAuto {
		if strings.TrimSpace(c.RedisAddr) != "" {
			return BackendRedis
		}
		return BackendPostgres
	}
	return backend
}

func (c Config) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("missing required env: DATABASE_URL")
	}
	if _, err := token.NewKeyRing(c.Secrets()); err != nil {
		return fmt.Errorf("SIGNING_SECRETS: %w", err)
	}
	if c.AccessTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}
	if c.LoginMaxAttempts < 1 {
		return errors.New("LOGIN_MAX_ATTEMPTS must be at least 1")
	}
	if c.LoginLockDuration <= 0 {
		return errors.New("LOGIN_LOCK_DURATION must be positive")
	}
	if c.AuditRetentionDays < 1 {
		return errors.New("AUDIT_RETENTION_DAYS must be at least 1")
	}

	switch c.Backend() {
	case BackendMemory, BackendPostgres:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("REDIS_ADDR is required for the redis state backend")
		}
	default:
		return fmt.Errorf("unknown STATE_BACKEND %q", c.StateBackend)
	}

	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	if c.MultiTenant && c.AdminUsername != "" && strings.TrimSpace(c.AdminTenant) == "" {
		return errors.New("ADMIN_TENANT is required when MULTI_TENANT is enabled")
	}

	return nil
}
