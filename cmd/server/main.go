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
	"github.com/shopspring/decimal"

	"github.com/custodia/vault-engine/internal/api"
	"github.com/custodia/vault-engine/internal/auth"
	"github.com/custodia/vault-engine/internal/config"
	"github.com/custodia/vault-engine/internal/fuse"
	"github.com/custodia/vault-engine/internal/metrics"
	"github.com/custodia/vault-engine/internal/model"
	"github.com/custodia/vault-engine/internal/quote"
	"github.com/custodia/vault-engine/internal/store"
	"github.com/custodia/vault-engine/internal/valuation"
	"github.com/custodia/vault-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("VAULT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	var cleanup []func()

	// --- Store ---
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
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Valuation cache ---
	var cache valuation.Cache = valuation.NewMemoryCache()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		cache = valuation.NewRedisCache(rdb, 30*time.Second)
		slog.Info("Redis valuation cache enabled")
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Quoter + fuse catalog ---
	quoter := quote.NewStaticQuoter()
	for hexSub, priceStr := range cfg.Quotes {
		sub, err := model.SubstrateFromHex(hexSub)
		if err != nil {
			slog.Error("bad quote substrate", "substrate", hexSub, "err", err)
			os.Exit(1)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			slog.Error("bad quote price", "substrate", hexSub, "price", priceStr, "err", err)
			os.Exit(1)
		}
		quoter.SetQuote(sub, price)
	}

	catalog := fuse.NewCatalog()
	for _, spec := range cfg.Fuses {
		switch spec.Kind {
		case "moneymarket":
			catalog.AddStrategy(fuse.NewMoneyMarketFuse(spec.ID, quoter))
		case "holdings":
			catalog.AddBalance(fuse.NewHoldingsBalanceFuse(spec.ID, quoter))
		default:
			slog.Error("unknown fuse kind", "id", spec.ID, "kind", spec.Kind)
			os.Exit(1)
		}
	}

	// --- Event hub ---
	hub := api.NewHub()
	go hub.Run()

	// --- Engine ---
	engine, err := vault.New(ctx, vault.Options{
		Store:   st,
		Cache:   cache,
		Catalog: catalog,
		Events:  hub,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	// --- Authorization ---
	roles := make(map[string][]auth.Operation, len(cfg.Auth.Roles))
	for role, ops := range cfg.Auth.Roles {
		for _, op := range ops {
			roles[role] = append(roles[role], auth.Operation(op))
		}
	}
	authority := auth.NewStaticAuthority(cfg.Auth.Keys, roles)
	slog.Info("authorization configured", "roles", authority.Roles())

	svc := api.NewService(engine, authority)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(api.RateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time vault events.
		r.Get("/ws", hub.HandleWS)
		svc.Routes(r)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("vault-engine stopped")
}
