package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openwalc/arena-server/internal/bets"
	"github.com/openwalc/arena-server/internal/config"
	"github.com/openwalc/arena-server/internal/handlers"
	"github.com/openwalc/arena-server/internal/models"
	"github.com/openwalc/arena-server/internal/observer"
	"github.com/openwalc/arena-server/internal/phase"
	"github.com/openwalc/arena-server/internal/registry"
	"github.com/openwalc/arena-server/internal/relay"
	"github.com/openwalc/arena-server/internal/sim"
	"github.com/openwalc/arena-server/internal/worker"
)

// defaultObstacles is the static island geometry: a handful of rocks and the
// central monument. Set once at startup, read-only afterwards.
var defaultObstacles = []models.Obstacle{
	{X: 0, Z: 0, Radius: 4},
	{X: 42, Z: -18, Radius: 3},
	{X: -55, Z: 37, Radius: 5},
	{X: 23, Z: 61, Radius: 2.5},
	{X: -70, Z: -64, Radius: 6},
	{X: 95, Z: 12, Radius: 3.5},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- external stores (optional outside production) ---

	var pub relay.Publisher = relay.Nop{}
	if cfg.RedisURL != "" {
		rp, err := relay.NewRedis(cfg.RedisURL, cfg.RelayChannel, logger)
		if err != nil {
			sugar.Fatalw("Failed to connect relay", "error", err)
		}
		pub = rp
		sugar.Infow("Relay connected", "channel", cfg.RelayChannel)
	}

	var chConn driver.Conn
	if cfg.ClickHouseURL != "" {
		opts, err := clickhouse.ParseDSN(cfg.ClickHouseURL)
		if err != nil {
			sugar.Fatalw("Bad ClickHouse URL", "error", err)
		}
		chConn, err = clickhouse.Open(opts)
		if err != nil {
			sugar.Fatalw("Failed to connect ClickHouse", "error", err)
		}
		sugar.Info("ClickHouse connected")
	}

	var pgPool *pgxpool.Pool
	if cfg.PostgresURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			sugar.Fatalw("Failed to connect Postgres", "error", err)
		}
		defer pgPool.Close()
		sugar.Info("Postgres connected")
	}

	// --- simulation core ---

	reg := registry.New(cfg.ProfilePath, cfg.FlushDebounce, logger)
	reg.Start()

	engine := sim.NewEngine(reg, pub, sim.Options{
		RoomCapacity: cfg.RoomCapacity,
		PhaseDurations: phase.Durations{
			Lobby:    cfg.LobbyDuration,
			Battle:   cfg.BattleDuration,
			Showdown: cfg.ShowdownDuration,
		},
		Obstacles: defaultObstacles,
	}, logger)

	var betExec bets.PgExecutor
	if pgPool != nil {
		betExec = pgPool
	}
	betSvc := bets.NewService(betExec, logger)

	pool := worker.NewPool(worker.PoolConfig{
		WorkerCount:   cfg.WorkerCount,
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		ClickHouse:    chConn,
		Logger:        logger,
	})
	pool.Start(ctx)
	engine.AddEventHook(func(tick uint64, roundID string, events []*models.WorldMessage) {
		pool.EnqueueTick(roundID, events)
	})

	publicURL := fmt.Sprintf("http://localhost:%d", cfg.Port)
	handler := handlers.New(handlers.Config{
		Engine:     engine,
		Registry:   reg,
		Bets:       betSvc,
		Logger:     logger,
		AdminToken: cfg.AdminToken,
		PublicURL:  publicURL,
	})

	bridge := observer.NewBridge(observer.Env{
		Profiles: func() []*models.AgentProfile { return reg.All() },
		Profile:  reg.Get,
		Battles:  func() any { return engine.Battles() },
		RoomInfo: engine.RoomInfo,
		PlaceBet: handler.PlaceBet,
	}, logger)
	handler.AttachBridge(bridge)
	engine.AttachObservers(bridge.Count, bridge.FanOut)

	scheduler := sim.NewScheduler(engine, logger)

	// --- HTTP ---

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	r.Get("/healthz", handler.Health)
	r.Get("/readyz", handler.Ready)
	r.Post("/ipc", handler.IPC)
	r.Get("/ws", handler.ObserverWS)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sugar.Infow("Arena server listening", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// presence mirror for remote dashboards
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				info := engine.RoomInfo()
				pub.Presence(info.AgentCount, info.ObserverCount)
			}
		}
	})

	if err := g.Wait(); err != nil {
		sugar.Errorw("Server error", "error", err)
	}

	// shutdown: scheduler stopped; flush state, close edges
	bridge.CloseAll()
	pool.Stop()
	reg.Stop()
	if err := pub.Close(); err != nil {
		sugar.Warnw("Relay close failed", "error", err)
	}
	if chConn != nil {
		chConn.Close()
	}
	sugar.Info("Arena server stopped")
}
