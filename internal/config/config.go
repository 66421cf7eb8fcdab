package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	URL             string
	Driver          string
	SQLiteDSN       string
	RunMigrations   bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type TokenConfig struct {
	Secret     string
	Algorithm  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Blacklist  string
}

type SecurityConfig struct {
	MaxAttempts       int
	Cooldown          time.Duration
	VerifyConcurrency int
	PasswordAlgorithm string
}

type AdminConfig struct {
	Username string
	Email    string
	Password string
}

type Config struct {
	Port            string
	Env             string
	Release         string
	LogLevel        string
	SentryDSN       string
	CronSecret      string
	ShutdownTimeout time.Duration
	CleanupBatch    int

	Database DatabaseConfig
	Redis    RedisConfig
	Token    TokenConfig
	Security SecurityConfig
	Admin    AdminConfig
}

type Options struct {
	LoadDotEnv bool
	// DotEnvFiles defaults to .env when empty.
	DotEnvFiles []string
}

// Load reads the environment once; callers pass the result around explicitly.
func Load(opts Options) (Config, error) {
	if opts.LoadDotEnv {
		_ = godotenv.Load(opts.DotEnvFiles...)
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		Port:            v.GetString("PORT"),
		Env:             v.GetString("APP_ENV"),
		Release:         v.GetString("APP_RELEASE"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		SentryDSN:       strings.TrimSpace(v.GetString("SENTRY_DSN")),
		CronSecret:      strings.TrimSpace(v.GetString("CRON_SECRET")),
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		CleanupBatch:    v.GetInt("AUTH_CLEANUP_BATCH_SIZE"),
		Database: DatabaseConfig{
			URL:             strings.TrimSpace(v.GetString("DATABASE_URL")),
			Driver:          strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
			SQLiteDSN:       v.GetString("SQLITE_DSN"),
			RunMigrations:   v.GetBool("RUN_MIGRATIONS_ON_STARTUP"),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
			ConnMaxIdleTime: v.GetDuration("DB_CONN_MAX_IDLE_TIME"),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("REDIS_ADDR")),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
		Token: TokenConfig{
			Secret:     strings.TrimSpace(v.GetString("JWT_SECRET")),
			Algorithm:  strings.ToUpper(strings.TrimSpace(v.GetString("JWT_ALGORITHM"))),
			Issuer:     v.GetString("JWT_ISSUER"),
			AccessTTL:  v.GetDuration("ACCESS_TOKEN_TTL"),
			RefreshTTL: v.GetDuration("REFRESH_TOKEN_TTL"),
			Blacklist:  strings.ToLower(strings.TrimSpace(v.GetString("BLACKLIST_DRIVER"))),
		},
		Security: SecurityConfig{
			MaxAttempts:       v.GetInt("LOGIN_MAX_ATTEMPTS"),
			Cooldown:          v.GetDuration("LOGIN_COOLDOWN"),
			VerifyConcurrency: v.GetInt("PASSWORD_VERIFY_CONCURRENCY"),
			PasswordAlgorithm: strings.ToLower(strings.TrimSpace(v.GetString("PASSWORD_HASHER"))),
		},
		Admin: AdminConfig{
			Username: strings.TrimSpace(v.GetString("ADMIN_USERNAME")),
			Email:    strings.TrimSpace(v.GetString("ADMIN_EMAIL")),
			Password: v.GetString("ADMIN_PASSWORD"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
	v.SetDefault("AUTH_CLEANUP_BATCH_SIZE", 500)

	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("SQLITE_DSN", "file:authcore.db?_busy_timeout=5000")
	v.SetDefault("RUN_MIGRATIONS_ON_STARTUP", false)
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("DB_CONN_MAX_IDLE_TIME", "10m")

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "authcore:blacklist:")

	v.SetDefault("JWT_ALGORITHM", "HS256")
	v.SetDefault("JWT_ISSUER", "authcore")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "168h")
	v.SetDefault("BLACKLIST_DRIVER", "store")

	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_COOLDOWN", "24h")
	v.SetDefault("PASSWORD_VERIFY_CONCURRENCY", 8)
	v.SetDefault("PASSWORD_HASHER", "bcrypt")
}

func (c Config) validate() error {
	var errs []error

	if c.Token.Secret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("missing required env: DATABASE_URL"))
		}
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER: %s", c.Database.Driver))
	}
	switch c.Token.Blacklist {
	case "store", "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("missing required env: REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported BLACKLIST_DRIVER: %s", c.Token.Blacklist))
	}
	if c.Security.MaxAttempts <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS must be positive"))
	}
	if c.Security.Cooldown <= 0 {
		errs = append(errs, errors.New("LOGIN_COOLDOWN must be positive"))
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if (c.Admin.Username == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together"))
	}

	return errors.Join(errs...)
}
