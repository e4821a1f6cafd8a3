// Command shinsa serves the claim decision API and its MCP endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/shinsa/api"
	"github.com/ashita-ai/shinsa/internal/auth"
	"github.com/ashita-ai/shinsa/internal/config"
	"github.com/ashita-ai/shinsa/internal/effectiveness"
	"github.com/ashita-ai/shinsa/internal/mcp"
	"github.com/ashita-ai/shinsa/internal/outcomes"
	"github.com/ashita-ai/shinsa/internal/ratelimit"
	"github.com/ashita-ai/shinsa/internal/rules"
	"github.com/ashita-ai/shinsa/internal/search"
	"github.com/ashita-ai/shinsa/internal/server"
	"github.com/ashita-ai/shinsa/internal/service/engine"
	"github.com/ashita-ai/shinsa/internal/storage"
	"github.com/ashita-ai/shinsa/internal/telemetry"
	"github.com/ashita-ai/shinsa/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Production has no .env; a missing file is fine.
	_ = godotenv.Load()

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, logger, level)
	stop()
	if err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// parseLevel maps SHINSA_LOG_LEVEL onto a slog level, defaulting to info.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(parseLevel(cfg.LogLevel))
	logger.Info("shinsa starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	cases, err := newCaseSearch(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer cases.close()

	svc := engine.New(engine.Deps{
		Store:     db,
		Rules:     rules.NewEngine(logger, rules.WithWorkers(cfg.RuleWorkers)),
		Recorder:  outcomes.NewRecorder(db, logger, outcomes.WithDedupBucket(cfg.OutcomeDedupBucket)),
		Analytics: effectiveness.NewService(db, logger, cfg.AnalyticsCacheTTL),
		Embedder:  newEmbeddingProvider(cfg, logger),
		Finder:    cases.finder,
		Logger:    logger,
	}, engine.Config{
		FetchTimeout:   cfg.FetchTimeout,
		SimilarCases:   cfg.SimilarCases,
		MinSimilarity:  cfg.MinSimilarity,
		CarrierHistory: cfg.CarrierHistory,
	})

	if db.HasNotifyConn() {
		go outcomeListener(ctx, db, svc, logger)
	} else {
		logger.Info("outcome listener: disabled (no NOTIFY_URL)")
	}
	go idempotencyCleanupLoop(ctx, db, logger, cfg)

	limiter := newLimiter(cfg, logger)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Engine:              svc,
		Logger:              logger,
		Limiter:             limiter,
		Index:               cases.health,
		MCPServer:           mcp.New(svc, logger, version).MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if err := srv.Handlers().SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		logger.Warn("admin seed failed", "error", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	logger.Info("shinsa shutting down")
	shutdown(srv, cases.outbox, cfg.ShutdownTimeout, logger)
	logger.Info("shinsa stopped")
	return nil
}

// openStore connects to Postgres, migrates when configured, and refuses to
// continue without the schema. A missing vector extension fails the first
// migration and would otherwise leave the server running without tables.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	if cfg.AutoMigrate {
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	var ready bool
	if err := db.Pool().QueryRow(ctx, `SELECT to_regclass('public.rules') IS NOT NULL`).Scan(&ready); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !ready {
		db.Close(ctx)
		return nil, errors.New("table 'rules' does not exist: run migrations or set SHINSA_AUTO_MIGRATE=true")
	}
	return db, nil
}

// caseSearch is the similar-case backend chosen at startup.
type caseSearch struct {
	finder search.CaseFinder
	// health is reported by /health; nil for pgvector, which shares the
	// database's health.
	health search.CaseFinder
	outbox *search.OutboxWorker
	close  func()
}

// newCaseSearch uses Qdrant, fed by the outbox worker, when QDRANT_URL is
// set and pgvector over claim_embeddings otherwise.
func newCaseSearch(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (caseSearch, error) {
	if cfg.QdrantURL == "" {
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector")
		return caseSearch{finder: search.NewPGVectorFinder(db), close: func() {}}, nil
	}

	idx, err := search.NewQdrantIndex(search.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, logger)
	if err != nil {
		return caseSearch{}, fmt.Errorf("qdrant: %w", err)
	}
	if err := idx.EnsureCollection(ctx); err != nil {
		_ = idx.Close()
		return caseSearch{}, fmt.Errorf("qdrant ensure collection: %w", err)
	}

	worker := search.NewOutboxWorker(db.Pool(), idx, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	worker.Start(ctx)
	logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	return caseSearch{
		finder: idx,
		health: idx,
		outbox: worker,
		close:  func() { _ = idx.Close() },
	}, nil
}

func newLimiter(cfg config.Config, logger *slog.Logger) ratelimit.Limiter {
	if cfg.RateLimitRPS <= 0 {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// shutdown splits budget between the HTTP drain and the outbox flush, in
// that order: in-flight evaluations may still queue embeddings, and a slow
// HTTP drain must not leave the flush with nothing.
func shutdown(srv *server.Server, outbox *search.OutboxWorker, budget time.Duration, logger *slog.Logger) {
	phase := budget / 2

	httpCtx, cancel := context.WithTimeout(context.Background(), phase)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if outbox != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), phase)
		outbox.Drain(flushCtx)
		cancel()
	}
}

// idempotencyCleanupLoop deletes expired idempotency keys until ctx is done.
func idempotencyCleanupLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, cfg config.Config) {
	ticker := time.NewTicker(cfg.IdempotencyCleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := db.CleanupIdempotencyKeys(ctx, cfg.IdempotencyCompletedTTL, cfg.IdempotencyInProgressTTL)
		switch {
		case err != nil:
			logger.Warn("idempotency cleanup failed", "error", err)
		case n > 0:
			logger.Info("idempotency keys cleaned up", "count", n)
		}
	}
}
