package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/investotype/sim-engine/internal/api"
	"github.com/investotype/sim-engine/internal/config"
	"github.com/investotype/sim-engine/internal/engine"
	"github.com/investotype/sim-engine/internal/history"
	"github.com/investotype/sim-engine/internal/marketdata"
	"github.com/investotype/sim-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Market data ---
	yahooOpts := []marketdata.Option{
		marketdata.WithTimeout(cfg.HTTPTimeout),
		marketdata.WithRateLimit(cfg.YahooRPS, int(cfg.YahooRPS)*2),
	}
	if cfg.YahooBaseURL != "" {
		yahooOpts = append(yahooOpts, marketdata.WithBaseURL(cfg.YahooBaseURL))
	}
	yahoo := marketdata.NewClient(yahooOpts...)

	// --- Initialize history store ---
	providerOpts := []history.Option{
		history.WithConfig(history.Config{SavingsAPY: cfg.SavingsAPY, OptionDailyDecay: cfg.OptionDailyDecay}),
	}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresHistoryStore(pool, cfg.HistoryMaxAge)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("history migration failed", "err", err)
			os.Exit(1)
		}
		var hs store.HistoryStore = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			hs = store.NewCachedHistoryStore(hs, rdb, cfg.HistoryCacheTTL)
			slog.Info("Redis cache enabled")
		}
		providerOpts = append(providerOpts, history.WithSeriesCache(hs))
	} else {
		slog.Warn("DATABASE_URL not set, price history is fetched on every request")
	}
	provider := history.NewProvider(yahoo, providerOpts...)

	// --- WebSocket hub ---
	hub := api.NewHub()
	go hub.Run(ctx)

	// --- Engine ---
	engineCfg := engine.DefaultConfig()
	engineCfg.FeeRate = cfg.FeeRate
	sessions := store.NewMemorySessionStore()
	eng := engine.New(sessions, provider,
		engine.WithConfig(engineCfg),
		engine.WithSearcher(yahoo),
		engine.WithIntel(marketdata.NewIntel(yahoo)),
		engine.WithNotifier(hub),
		engine.WithSavingsAPY(cfg.SavingsAPY),
	)

	janitor := store.NewJanitor(sessions, cfg.SessionTTL, eng.InUse)
	if err := janitor.Start(cfg.SessionSweepCron); err != nil {
		slog.Error("invalid SESSION_SWEEP_CRON", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, janitor.Stop)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(api.NewHandler(eng), hub, cfg.HTTPTimeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("sim-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down sim-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("sim-engine stopped")
}
