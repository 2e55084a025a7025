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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/memeflip/flip-engine/internal/api"
	"github.com/memeflip/flip-engine/internal/coinflip"
	"github.com/memeflip/flip-engine/internal/config"
	"github.com/memeflip/flip-engine/internal/ledger"
	"github.com/memeflip/flip-engine/internal/limits"
	"github.com/memeflip/flip-engine/internal/metrics"
	"github.com/memeflip/flip-engine/internal/payout"
	"github.com/memeflip/flip-engine/internal/store"
	"github.com/memeflip/flip-engine/internal/wallet"
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
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.BalanceCacheTTL)
			slog.Info("Redis balance cache enabled", "ttl", cfg.BalanceCacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Daily usage and streaks move to Redis when it is available, so several
	// instances share one view of each bettor's limits.
	var counters store.Counters = st
	var dispatcher ledger.Dispatcher
	var tiers wallet.TierLookup
	var holdings wallet.BalanceReader
	if rdb != nil {
		counters = store.NewRedisCounters(rdb)
		dispatcher = ledger.NewRedisQueue(rdb)
		tiers = wallet.NewRedisTiers(rdb, wallet.DefaultTierCaps)
		if cfg.RequireTokenBalance {
			holdings = wallet.NewRedisBalances(rdb)
		}
	}

	calc, err := payout.NewCalculator(cfg.HouseFeeBPS, cfg.BurnBPS)
	if err != nil {
		slog.Error("invalid payout split", "err", err)
		os.Exit(1)
	}
	limiter := limits.NewPolicyLimiter(cfg.MinBetAmount(), cfg.MaxBetAmount(), cfg.DailyLimitAmount(), cfg.MaxDailyFlips)

	// --- WebSocket hub ---
	hub := api.NewHub(logger)
	go hub.Run(ctx)

	engine := coinflip.NewEngine(coinflip.Config{
		Bets:         st,
		Seeds:        st,
		Counters:     counters,
		Exclusions:   st,
		Holdings:     holdings,
		Tiers:        tiers,
		Calculator:   calc,
		Limiter:      limiter,
		RevealWindow: cfg.RevealWindow,
		Notifier:     hub,
		Logger:       logger,
	})
	ledgerSvc := ledger.NewService(ledger.Config{
		Balances:      st,
		Bets:          st,
		Dispatcher:    dispatcher,
		MinWithdrawal: cfg.MinWithdrawalAmount(),
		Logger:        logger,
	})
	apiSvc := api.NewService(engine, ledgerSvc, hub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"flip-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", apiSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("flip-engine listening",
			"port", cfg.Port,
			"min_bet", cfg.MinBet,
			"max_bet", cfg.MaxBet,
			"daily_limit", cfg.DailyLimit,
			"reveal_window", cfg.RevealWindow,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down flip-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	ledgerSvc.Wait()
	fmt.Println("flip-engine stopped")
}
