// Package storage provides the PostgreSQL storage layer for Shinsa.
//
// It manages the query connection pool, an optional dedicated connection for
// LISTEN/NOTIFY, the append-only outcome log, and query methods for rules,
// claims, evaluations and embeddings.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinsa/internal/telemetry"
)

// DB is the Postgres handle: a pool for queries plus, when configured, a
// direct connection that holds LISTEN.
type DB struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	txRetries metric.Int64Counter

	// notifyConn is redialed after failures; notifyMu guards it.
	notifyMu   sync.Mutex
	notifyConn *pgx.Conn
	notifyDSN  string
}

// New connects the pool and, when notifyDSN is set, the LISTEN connection.
// notifyDSN must bypass any transaction pooler; an empty value disables
// cross-replica cache invalidation.
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := openPool(ctx, poolDSN, logger)
	if err != nil {
		return nil, err
	}

	db := &DB{pool: pool, logger: logger, notifyDSN: notifyDSN}
	if notifyDSN != "" {
		if db.notifyConn, err = pgx.Connect(ctx, notifyDSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	// Without the counter, retries simply go uncounted.
	db.txRetries, _ = telemetry.Meter(meterName).Int64Counter("shinsa.db.tx.retries",
		metric.WithDescription("Transactions replayed after a serialization failure or deadlock"),
	)
	return db, nil
}

const meterName = "shinsa/storage"

func openPool(ctx context.Context, dsn string, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}
	// On a fresh database the vector type appears only after migrations, so
	// connections made before then go without it.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: vector type not registered", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	return pool, nil
}

// Pool exposes the pool to packages that run their own queries, such as
// the search outbox worker.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// HasNotifyConn reports whether LISTEN is available.
func (db *DB) HasNotifyConn() bool {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	return db.notifyConn != nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// RegisterPoolMetrics publishes pool occupancy. The three gauges are read
// from one Stat snapshot per collection. Call it after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter(meterName)
	gauge := func(name, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc))
		if err != nil {
			db.logger.Warn("storage: pool gauge unavailable", "name", name, "error", err)
		}
		return g
	}
	acquired := gauge("shinsa.db.pool.acquired", "Connections currently checked out of the pool")
	idle := gauge("shinsa.db.pool.idle", "Idle connections in the pool")
	total := gauge("shinsa.db.pool.total", "Total connections held by the pool")
	if acquired == nil || idle == nil || total == nil {
		return
	}

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := db.pool.Stat()
		o.ObserveInt64(acquired, int64(st.AcquiredConns()))
		o.ObserveInt64(idle, int64(st.IdleConns()))
		o.ObserveInt64(total, int64(st.TotalConns()))
		return nil
	}, acquired, idle, total); err != nil {
		db.logger.Warn("storage: pool metrics callback", "error", err)
	}
}

// Close releases the pool and the LISTEN connection. Cancel any
// WaitForOutcome caller before calling it.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()

	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyConn = nil
	db.notifyMu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(ctx); err != nil {
		db.logger.Warn("storage: close notify connection", "error", err)
	}
}
