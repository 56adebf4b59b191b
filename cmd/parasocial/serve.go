package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"parasocial-gateway/api"
	"parasocial-gateway/config"
	"parasocial-gateway/logging"
	"parasocial-gateway/middleware/auth"
	"parasocial-gateway/middleware/ratelimit"
	"parasocial-gateway/middleware/ratelimit/application"
	"parasocial-gateway/middleware/ratelimit/domain"
	"parasocial-gateway/middleware/ratelimit/infra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API with graceful shutdown on SIGINT/SIGTERM.

Configuration comes from defaults, the optional --config YAML file and
PARASOCIAL_* environment variables (e.g. PARASOCIAL_RATELIMIT_BACKEND=redis).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	policies, err := application.NewPolicyTable(cfg.Overrides())
	if err != nil {
		return fmt.Errorf("rate limit policies: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.PingTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	var store domain.WindowStore
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Backend {
		case config.BackendRedis:
			store = infra.NewRedisWindowStore(rdb, infra.WithRedisPrefix(cfg.Redis.Prefix+":window"))
		default:
			mem := infra.NewWindowStore(
				infra.WithRetention(cfg.RateLimit.Retention),
				infra.WithCleanupEvery(cfg.RateLimit.CleanupEvery),
			)
			mem.StartJanitor(ctx)
			log.Debug("rate limit janitor started",
				zap.Duration("every", mem.CleanupEvery()),
				zap.Duration("retention", cfg.RateLimit.Retention))
			store = mem
		}
	}
	if cfg.SharedQuotaGap() {
		log.Warn("in-memory rate limit store with multiple instances: each instance enforces its own quota",
			zap.Int("instances", cfg.Server.Instances))
	}

	var (
		stats       domain.StatsStore
		statsSource api.StatsSource
	)
	if cfg.Stats.Enabled {
		switch cfg.Stats.Backend {
		case config.BackendRedis:
			rs := infra.NewRedisStatsStore(rdb,
				infra.WithStatsPrefix(cfg.Stats.Prefix),
				infra.WithStatsTTL(cfg.Stats.TTL),
				infra.WithStatsBucket(cfg.Stats.Bucket),
				infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
			)
			stats, statsSource = rs, rs
		default:
			mem := infra.NewMemoryStatsStore(infra.WithTrackKeys(cfg.Stats.TrackKeys))
			stats, statsSource = mem, mem
		}
	}

	limiter := ratelimit.New(ratelimit.Options{
		Store:              store,
		Policies:           policies,
		Stats:              stats,
		TrustXForwardedFor: cfg.Server.TrustXForwardedFor,
		FailOpen:           cfg.RateLimit.FailOpen,
		Logger:             log,
		DenyLogInterval:    cfg.RateLimit.DenyLogInterval,
	})

	var uploadPool domain.SlotPool
	if cfg.Upload.MaxConcurrent > 0 {
		uploadPool = infra.NewChanPool(cfg.Upload.MaxConcurrent)
	}

	handler := api.NewRouter(api.Deps{
		Limiter:              limiter,
		Tokens:               auth.NewTokenRegistry(),
		Repo:                 api.NewRepository(nil),
		Stats:                statsSource,
		Logger:               log,
		UploadPool:           uploadPool,
		UploadAcquireTimeout: cfg.Upload.AcquireTimeout,
		MaxUploadBytes:       cfg.Upload.MaxBytes,
		BcryptCost:           cfg.Server.BcryptCost,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	log.Info("parasocial listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Bool("ratelimit_enabled", cfg.RateLimit.Enabled),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend),
		zap.Bool("fail_open", cfg.RateLimit.FailOpen),
		zap.Bool("trust_xff", cfg.Server.TrustXForwardedFor),
		zap.Bool("stats_enabled", cfg.Stats.Enabled),
		zap.String("stats_backend", cfg.Stats.Backend),
		zap.Int("upload_max_concurrent", cfg.Upload.MaxConcurrent))
	for _, p := range policies.All() {
		if p.Exempt {
			log.Debug("policy", zap.String("category", string(p.Category)), zap.Bool("exempt", true))
			continue
		}
		log.Debug("policy",
			zap.String("category", string(p.Category)),
			zap.Duration("window", p.Window),
			zap.Int("max", p.Max),
			zap.Int("anonymous_max", p.AnonymousMax))
	}

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	// espera as requisições em andamento antes de fechar redis e janitor
	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
