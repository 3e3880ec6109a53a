package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/updown/internal/api"
	"github.com/atmx/updown/internal/config"
	"github.com/atmx/updown/internal/events"
	"github.com/atmx/updown/internal/identity"
	"github.com/atmx/updown/internal/ledger"
	"github.com/atmx/updown/internal/metrics"
	"github.com/atmx/updown/internal/oracle"
	"github.com/atmx/updown/internal/reconcile"
	"github.com/atmx/updown/internal/round"
	"github.com/atmx/updown/internal/settlement"
	"github.com/atmx/updown/internal/store"
	"github.com/atmx/updown/internal/ws"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if redisURL := cfg.Redis.URL; redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if dbURL := cfg.Storage.DatabaseURL; dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
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

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event bus ---
	bus := events.NewBus(cfg.Bus.SubscriberBuffer)
	if rdb != nil {
		events.NewRedisRelay(bus, rdb, cfg.Redis.Channel, logger).Start(ctx)
		slog.Info("Redis event relay enabled", "channel", cfg.Redis.Channel)
	}

	// --- Price oracle ---
	feed := oracle.NewFeed(
		oracle.NewRandomWalk(cfg.Oracle.StartPrice, cfg.Oracle.Volatility, uint64(time.Now().UnixNano())),
		cfg.TickInterval(), bus, logger,
	)
	go feed.Run(ctx)

	// --- Reconciliation queue ---
	pending := reconcile.NewMemoryQueue(1000)
	var queue reconcile.Queue = pending
	if len(cfg.Kafka.Brokers) > 0 {
		kq := reconcile.NewKafkaQueue(reconcile.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.ReconciliationTopic))
		cleanup = append(cleanup, func() { kq.Close() })
		queue = reconcile.Fanout{pending, kq}
		slog.Info("Kafka reconciliation enabled", "topic", cfg.Kafka.ReconciliationTopic)
	}

	// --- Wagers and settlement ---
	tie, err := settlement.ParseTiePolicy(cfg.Wager.TiePolicy)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	ledgerSvc := ledger.NewService(st, bus, cfg.Wager.MaxAmount, logger)
	engine := settlement.NewEngine(st, bus, queue, settlement.Policy{
		FeeRate: cfg.Wager.FeeRate,
		Tie:     tie,
		Scale:   cfg.Wager.PayoutScale,
	}, logger)

	// --- Round scheduler ---
	sched := round.NewScheduler(st, engine, feed, bus, round.Config{
		Betting:         cfg.BettingDuration(),
		Play:            cfg.PlayDuration(),
		Cooldown:        cfg.CooldownDuration(),
		TransitionRetry: cfg.TransitionRetry(),
	}, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("round scheduler stopped", "err", err)
		}
	}()

	issuer := identity.NewDemoIssuer(st, identity.DemoConfig{
		InitialBalance: cfg.Demo.InitialBalance,
		MaxBalance:     cfg.Demo.MaxBalance,
		PerMinute:      cfg.Demo.IssueRatePerMinute,
		Burst:          cfg.Demo.IssueBurst,
	})

	// --- WebSocket hub ---
	wsHub := ws.NewHub(bus, sched, ledgerSvc, logger)
	go wsHub.Run(ctx)

	handler := api.NewHandler(st, sched, ledgerSvc, issuer, pending, cfg.Server.AdminToken)
	if cfg.Server.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin routes disabled")
	}

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
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", "Authorization", identity.AccountHeader, identity.DemoHeader,
			}, ", "))
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", handler.Health)

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for round, pool and balance events. It sits
		// outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			handler.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("updown listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down updown...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	<-schedDone
	fmt.Println("updown stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
