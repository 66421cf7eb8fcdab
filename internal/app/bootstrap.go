package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"authcore/internal/auth"
	"authcore/internal/config"
	"authcore/internal/lockout"
	"authcore/internal/maintenance"
	"authcore/internal/observability"
	"authcore/internal/password"
	"authcore/internal/store"
	"authcore/internal/token"
)

var logOutput io.Writer = os.Stdout

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(context.Background(), cfg)
}

// New wires the service graph for cfg.
func New(ctx context.Context, cfg config.Config) (*Runtime, error) {
	logger := observability.NewLoggerWithOptions(logOutput, cfg.LogLevel).With(map[string]any{
		"service": "authcore",
		"env":     cfg.Env,
	})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	credentials, err := store.Open(ctx, store.Config{
		Driver:          cfg.Database.Driver,
		DatabaseURL:     cfg.Database.URL,
		SQLiteDSN:       cfg.Database.SQLiteDSN,
		RunMigrations:   cfg.Database.RunMigrations,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		PruneBatchSize:  cfg.CleanupBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []func() error{credentials.Close}
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	blacklist, err := openBlacklist(ctx, cfg, credentials)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	if rb, ok := blacklist.(*token.RedisBlacklist); ok {
		closers = append(closers, rb.Close)
	}

	issuer, err := token.NewIssuer(token.Config{
		Secret:     cfg.Token.Secret,
		Algorithm:  cfg.Token.Algorithm,
		Issuer:     cfg.Token.Issuer,
		AccessTTL:  cfg.Token.AccessTTL,
		RefreshTTL: cfg.Token.RefreshTTL,
	}, blacklist)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	algo, err := password.ForName(cfg.Security.PasswordAlgorithm)
	if err != nil {
		_ = closeAll()
		return nil, err
	}

	tracker := lockout.New(credentials,
		lockout.WithMaxAttempts(cfg.Security.MaxAttempts),
		lockout.WithCooldown(cfg.Security.Cooldown),
	)

	metrics := observability.NewMetrics()
	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	authService := auth.NewService(credentials, tracker, issuer, password.NewChecker(algo, cfg.Security.VerifyConcurrency)).
		WithLogger(logger).
		WithMetrics(metrics)

	if err := authService.BootstrapSuperuser(ctx, cfg.Admin.Username, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	cleanupHandler := maintenance.NewCleanupHandler(blacklist, logger, metrics, cfg.CronSecret)

	mux := http.NewServeMux()
	authHandler.Register(mux)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(credentials))
	mux.Handle("GET /metrics", observability.MetricsHandler(registry))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, metrics, mux))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			return closeAll()
		},
	}, nil
}

func openBlacklist(ctx context.Context, cfg config.Config, credentials store.Store) (token.Blacklist, error) {
	switch cfg.Token.Blacklist {
	case "", "store":
		return credentials, nil
	case "memory":
		return token.NewMemoryBlacklist(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return token.NewRedisBlacklist(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported blacklist driver: %s", cfg.Token.Blacklist)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
