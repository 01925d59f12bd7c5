package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"session-auth/internal/audit"
	"session-auth/internal/auth"
	"session-auth/internal/config"
	"session-auth/internal/db"
	"session-auth/internal/maintenance"
	"session-auth/internal/observability"
	"session-auth/internal/token"
)

type Options struct {
	LoadDotEnv     bool
	RunMigrations  bool
	StartScheduler bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *observability.Logger
	Close   func() error
}

type healthCheck func(ctx context.Context) error

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerWithOutput(os.Stdout, cfg.LogLevel)

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	ring, err := token.NewKeyRing(cfg.Secrets())
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("init key ring: %w", err)
	}
	codec := token.NewCodec(ring, cfg.TokenIssuer)

	state, err := buildState(ctx, cfg, database)
	if err != nil {
		_ = database.Close()
		return nil, err
	}
	logger.Info("auth_state_backend", map[string]any{"backend": cfg.Backend(), "signing_keys": ring.Len()})

	metrics := observability.NewMetrics()
	auditRepo := audit.NewRepository(database, cfg.AuditRetention())
	auditWriter := audit.NewAsyncSink(auditRepo, logger, cfg.AuditQueueSize)
	events := audit.NewFanout(logger,
		audit.LogSink(logger),
		audit.MetricsSink(metrics),
		auditWriter,
	)

	closeAll := func() error {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		drainErr := auditWriter.Close(drainCtx)
		observability.FlushSentry()
		return errors.Join(drainErr, state.close(), database.Close())
	}

	directory := auth.NewRepository(database)
	authService := auth.NewService(directory, codec, state.ledger, state.guard)
	authService.WithSecurityConfig(cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	authService.WithEvents(events)
	authService.WithMultiTenant(cfg.MultiTenant)
	authService.WithRevokeFamilyOnReplay(cfg.RevokeFamilyOnReplay)

	if err := auth.BootstrapFromEnv(ctx, directory, auth.NewBcryptHasher(), cfg.AdminTenant, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService)
	authHandler.WithCookies(cfg.CookieAuth, cfg.SecureCookies)
	loginLimiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitRPS, cfg.LoginRateLimitBurst)
	sweeper := maintenance.WithPruning(authService, auditRepo)
	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, cfg.CronSecret)
	auditHandler := audit.NewHandler(auditRepo, func(r *http.Request) string {
		identity, _ := auth.IdentityFromContext(r.Context())
		return identity.Tenant
	})

	if options.StartScheduler {
		scheduler, err := maintenance.NewScheduler(sweeper, logger, cfg.SweepSchedule)
		if err != nil {
			_ = closeAll()
			return nil, err
		}
		scheduler.Start()
		closeState := closeAll
		closeAll = func() error {
			scheduler.Stop()
			return closeState()
		}
	}

	authenticated := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, cfg.CookieAuth, next)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /auth/me", authenticated(authHandler.Me))
	auditors := func(next http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, cfg.CookieAuth, auth.RequireRole(next, auth.RoleOwner, auth.RoleInfra))
	}
	mux.Handle("GET /audit/logs", auditors(auditHandler.List))
	mux.Handle("GET /audit/logs/export", auditors(auditHandler.Export))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(append([]healthCheck{database.PingContext}, state.checks...)...))
	mux.Handle("GET /metrics", metrics.Handler())

	handler := observability.RecoverMiddleware(logger,
		observability.SecurityHeadersMiddleware(
			observability.RequestLoggingMiddleware(logger, metrics.Instrument(mux))))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

type stateStores struct {
	ledger auth.Ledger
	guard  auth.Guard
	checks []healthCheck
	close  func() error
}

func buildState(ctx context.Context, cfg config.Config, database *sql.DB) (stateStores, error) {
	guardConfig := auth.GuardConfig{
		MaxAttempts:  cfg.LoginMaxAttempts,
		LockDuration: cfg.LoginLockDuration,
		Retention:    cfg.LoginFailureRetention,
	}
	noop := func() error { return nil }

	switch cfg.Backend() {
	case config.BackendMemory:
		return stateStores{
			ledger: auth.NewMemoryLedger(),
			guard:  auth.NewMemoryGuard(guardConfig),
			close:  noop,
		}, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return stateStores{}, fmt.Errorf("redis ping: %w", err)
		}
		return stateStores{
			ledger: auth.NewRedisLedger(client, cfg.RedisKeyPrefix),
			guard:  auth.NewRedisGuard(client, guardConfig, cfg.RedisKeyPrefix),
			checks: []healthCheck{func(ctx context.Context) error { return client.Ping(ctx).Err() }},
			close:  client.Close,
		}, nil
	default:
		return stateStores{
			ledger: auth.NewPostgresLedger(database),
			guard:  auth.NewPostgresGuard(database, guardConfig),
			close:  noop,
		}, nil
	}
}

func healthHandler(checks ...healthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		for _, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
