package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/predicta/internal/api"
	"github.com/atmx/predicta/internal/auth"
	"github.com/atmx/predicta/internal/config"
	"github.com/atmx/predicta/internal/events"
	"github.com/atmx/predicta/internal/fixture"
	"github.com/atmx/predicta/internal/market"
	"github.com/atmx/predicta/internal/metrics"
	"github.com/atmx/predicta/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("PREDICTA_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("predicta stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("predicta stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	program, err := cfg.ProgramID()
	if err != nil {
		return err
	}

	// --- Initialize store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- WebSocket hub and event sinks ---
	hub := api.NewWSHub(logger)
	sinks := []events.Sink{{Name: "websocket", Publisher: hub}}
	var replay auth.ReplayGuard

	// Wrap with Redis read-through cache and stream if configured.
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		replay = auth.NewRedisReplayGuard(rdb)
		if cfg.Redis.CacheTTL.Duration > 0 {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
		if cfg.Redis.PublishEvents {
			stream := events.NewRedisStream(rdb, cfg.Redis.Stream)
			sinks = append(sinks, events.Sink{Name: "redis", Publisher: stream})
			slog.Info("Redis event stream enabled", "stream", cfg.Redis.Stream)
		}
	}

	// --- Engine ---
	engine := market.NewEngine(st, program,
		market.WithPublisher(events.NewFanout(sinks...)),
		market.WithLogger(logger),
	)

	opts := []api.Option{
		api.WithHub(hub),
		api.WithLogger(logger),
		api.WithFaucet(api.Faucet{Enabled: cfg.Faucet.Enabled, MaxLamports: cfg.Faucet.MaxLamports}),
	}
	if cfg.Fixtures.Token != "" {
		client := fixture.NewClient(cfg.Fixtures.BaseURL, cfg.Fixtures.Token, cfg.Fixtures.Timeout.Duration)
		importer := fixture.NewImporter(engine, cfg.Fixtures.MarketDuration.Duration, cfg.Fixtures.Workers, logger)
		opts = append(opts, api.WithFixtures(competitionDefaults(client, cfg.Fixtures.Competitions), importer))
		slog.Info("fixture import enabled", "base_url", cfg.Fixtures.BaseURL)
	}
	if cfg.Faucet.Enabled {
		slog.Warn("development faucet enabled", "max_lamports", cfg.Faucet.MaxLamports)
	}
	svc := api.NewService(engine, opts...)

	verifier := &auth.Verifier{
		Required: cfg.Auth.Required,
		MaxSkew:  cfg.Auth.MaxSkew.Duration,
		Log:      logger,
		Replay:   replay,
	}
	if !cfg.Auth.Required {
		slog.Warn("request signatures not required, the pubkey header is trusted as is")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"predicta","program":"` + program.String() + `"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
		svc.Register(r, verifier.Middleware)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout.Duration + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("predicta listening", "port", cfg.Server.Port, "program", program.String(), "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down predicta...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pc, err := pgxpool.ParseConfig(cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid database url: %w", err)
		}
		if cfg.Storage.PoolMaxConns > 0 {
			pc.MaxConns = int32(cfg.Storage.PoolMaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("database ping: %w", err)
		}
		ps := store.NewPostgresStore(pool)
		if cfg.Storage.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		slog.Info("connected to PostgreSQL")
		return ps, nil

	case config.BackendLevelDB:
		ls, err := store.OpenLevelStore(cfg.Storage.LevelDBPath)
		if err != nil {
			return nil, err
		}
		slog.Info("opened LevelDB store", "path", cfg.Storage.LevelDBPath)
		return ls, nil

	default:
		slog.Warn("using in-memory store (data will not persist)")
		return store.NewMemoryStore(), nil
	}
}

// competitionDefaults fills in the configured competitions when an import
// request names none.
func competitionDefaults(c *fixture.Client, defaults []string) api.FixtureSource {
	return fixtureSourceFunc(func(ctx context.Context, q fixture.Query) ([]fixture.Match, error) {
		if len(q.Competitions) == 0 {
			q.Competitions = defaults
		}
		return c.Upcoming(ctx, q)
	})
}

type fixtureSourceFunc func(ctx context.Context, q fixture.Query) ([]fixture.Match, error)

func (f fixtureSourceFunc) Upcoming(ctx context.Context, q fixture.Query) ([]fixture.Match, error) {
	return f(ctx, q)
}

// cors allows the configured origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+auth.HeaderPubkey+", "+auth.HeaderTimestamp+", "+auth.HeaderSignature)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
