package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cashledger/backend/internal/audit"
	"cashledger/backend/internal/cache"
	"cashledger/backend/internal/cashsession"
	"cashledger/backend/internal/config"
	"cashledger/backend/internal/httpapi"
	"cashledger/backend/internal/service"
	"cashledger/backend/internal/store"
	"cashledger/backend/internal/store/memory"
	pgstore "cashledger/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	policy, err := deviationPolicy(cfg)
	if err != nil {
		logger.Fatal("invalid deviation policy", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("postgres migration failed", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else if cfg.SeedDemo {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory (demo catalog)")
	} else {
		repo = memory.New()
		logger.Info("repository: in-memory")
	}

	summaries := cache.SummaryCache(cache.NoopSummaryCache{})
	sink := audit.Sink(audit.NewZapSink(logger))
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, summaries uncached and audit to log only", zap.Error(err))
			_ = client.Close()
		} else {
			summaries = cache.NewRedisSummaryCache(client)
			sink = audit.Multi{sink, audit.NewRedisStreamSink(client, cfg.AuditStream)}
			closers = append(closers, client.Close)
			logger.Info("redis: summary cache and audit stream", zap.String("stream", cfg.AuditStream))
		}
	}

	svc := service.New(repo,
		service.WithLogger(logger),
		service.WithAuditSink(sink),
		service.WithSummaryCache(summaries, cfg.SummaryCacheTTL),
		service.WithDeviationPolicy(policy),
		service.WithInvoiceRange(service.InvoiceRange{
			Establishment: cfg.InvoiceEstablishment,
			Expedition:    cfg.InvoiceExpedition,
			End:           cfg.InvoiceRangeEnd,
		}),
		service.WithNegativeAdjustments(cfg.AllowNegativeAdjustment),
	)

	opts := httpapi.Options{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	if cfg.AuthDisabled {
		logger.Warn("bearer auth disabled; X-Operator-ID is trusted")
	} else {
		opts.Verifier = httpapi.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           httpapi.New(svc, opts).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("cash ledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Production() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.AuthDisabled {
		if cfg.Production() {
			return fmt.Errorf("AUTH_DISABLED is not allowed in production")
		}
		return nil
	}
	if cfg.Production() && cfg.JWTSecret == config.DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be changed from the development default")
	}
	if len(cfg.JWTSecret) < 32 && cfg.JWTSecret != config.DefaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func deviationPolicy(cfg config.Config) (cashsession.Policy, error) {
	policy := cashsession.DefaultPolicy()
	if cfg.DeviationMinorTolerance < 0 {
		return policy, fmt.Errorf("DEVIATION_MINOR_TOLERANCE must not be negative")
	}
	policy.MinorTolerance = cfg.DeviationMinorTolerance
	if cfg.DeviationWarningPct != "" {
		pct, err := decimal.NewFromString(cfg.DeviationWarningPct)
		if err != nil {
			return policy, fmt.Errorf("DEVIATION_WARNING_PCT: %w", err)
		}
		if pct.IsNegative() {
			return policy, fmt.Errorf("DEVIATION_WARNING_PCT must not be negative")
		}
		policy.WarningPct = pct
	}
	return policy, nil
}
