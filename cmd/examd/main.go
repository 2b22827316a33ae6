package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	api "github.com/mind-engage/exam-engine/internal/api/http"
	"github.com/mind-engage/exam-engine/internal/auth"
	"github.com/mind-engage/exam-engine/internal/config"
	"github.com/mind-engage/exam-engine/internal/db"
	"github.com/mind-engage/exam-engine/internal/engine"
	"github.com/mind-engage/exam-engine/internal/entitlement"
	"github.com/mind-engage/exam-engine/internal/exam"
	"github.com/mind-engage/exam-engine/internal/faststore"
	"github.com/mind-engage/exam-engine/internal/identity"
)

func main() {
	cfg := config.FromEnv()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatal("database open failed", zap.Error(err))
	}
	defer func() { _ = sqlDB.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The engine degrades per call rather than refusing to boot.
		log.Warn("redis unreachable at startup", zap.Error(err))
	}

	store := exam.NewSQLStore(sqlDB, db.Driver(cfg.DBDriver))
	cache := faststore.New(rdb, cfg.CacheShards, log)
	locks := faststore.NewLockManager(cache, log)
	access := entitlement.NewSQLOracle(store, cache)
	resolver := identity.NewResolver(store, cache)

	eng := engine.New(store, cache, locks, access, log)
	authSvc := auth.NewService(cfg.AuthHMACSecret)

	handler := api.NewRouter(&api.Handlers{Engine: eng, Identity: resolver}, api.RouterOpts{
		AuthService: authSvc,
		CORSOrigins: cfg.CORSOrigins,
		DevTokens:   os.Getenv("DEV_TOKENS") == "true",
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := engine.NewGraderWorker(eng, cfg.GraderConcurrency, cfg.GraderBudget, cfg.TimedOutPollInterval, log)
	aggregator := engine.NewAggregator(eng, cfg.AnalyticsDrainInterval, cfg.AnalyticsFlushInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return worker.RunTimedOutPoller(gctx) })
	g.Go(func() error { return aggregator.Run(gctx) })
	g.Go(func() error { return aggregator.RunFlusher(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("shutdown with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
