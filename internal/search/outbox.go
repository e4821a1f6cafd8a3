package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shinsa/internal/telemetry"
)

// Outbox operations written by storage.
const (
	opUpsert = "upsert"
	opDelete = "delete"
)

const (
	// maxOutboxAttempts is the attempt count at which an entry becomes a
	// dead letter and is no longer leased.
	maxOutboxAttempts = 10

	// outboxLease must outlive syncTimeout so another replica cannot lease
	// entries that are still being pushed.
	outboxLease = 60 * time.Second
	syncTimeout = 30 * time.Second

	maxRetryDelaySeconds = 300
	deadLetterTTL        = 7 * 24 * time.Hour
	purgeInterval        = time.Hour
	unstartedFlushBudget = 10 * time.Second
)

// PointIndex is the write side of a vector index.
type PointIndex interface {
	Upsert(ctx context.Context, points []Point) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error
}

// pendingSync is one leased search_outbox row.
type pendingSync struct {
	id       int64
	claimID  uuid.UUID
	orgID    uuid.UUID
	op       string
	attempts int
}

// OutboxWorker mirrors claim embeddings from Postgres into the vector
// index. Rows are written to search_outbox in the same transaction as the
// embedding; the worker leases them, pushes them, and deletes them once
// the index has accepted the write.
type OutboxWorker struct {
	pool     *pgxpool.Pool
	index    PointIndex
	logger   *slog.Logger
	interval time.Duration
	limit    int

	started   atomic.Bool
	drain     chan context.Context
	stopped   chan struct{}
	lastPurge time.Time

	synced metric.Int64Counter
	failed metric.Int64Counter
}

// NewOutboxWorker returns a worker that polls every pollInterval and
// leases at most batchSize rows per poll. A nil pool or index makes every
// poll a no-op.
func NewOutboxWorker(pool *pgxpool.Pool, index PointIndex, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxWorker{
		pool:     pool,
		index:    index,
		logger:   logger.With("component", "search_outbox"),
		interval: pollInterval,
		limit:    batchSize,
		drain:    make(chan context.Context, 1),
		stopped:  make(chan struct{}),
	}
}

// Start launches the poll loop. Only the first call has any effect.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("start called twice; ignoring")
		return
	}
	w.instrument()
	go w.loop(ctx)
}

// Drain stops the poll loop after one final sync run under ctx, and waits
// for it to finish or for ctx to expire. Drain on a worker that was never
// started returns immediately.
func (w *OutboxWorker) Drain(ctx context.Context) {
	if !w.started.Load() {
		return
	}
	select {
	case w.drain <- ctx:
	default:
	}
	select {
	case <-w.stopped:
	case <-ctx.Done():
		w.logger.Warn("drain timed out", "error", ctx.Err())
	}
}

func (w *OutboxWorker) loop(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case drainCtx := <-w.drain:
			w.syncOnce(drainCtx)
			return
		case <-ctx.Done():
			// Cancelled without a Drain: flush what we can on a fresh budget.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unstartedFlushBudget)
			w.syncOnce(flushCtx)
			cancel()
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, syncTimeout)
			w.syncOnce(runCtx)
			cancel()
		}
	}
}

// syncOnce leases a batch, pushes it to the index, and settles each row.
func (w *OutboxWorker) syncOnce(ctx context.Context) {
	if w.pool == nil || w.index == nil {
		return
	}

	batch, err := w.lease(ctx)
	if err != nil {
		w.logger.Error("lease failed", "error", err)
		return
	}

	byOp := make(map[string][]pendingSync, 2)
	for _, p := range batch {
		byOp[p.op] = append(byOp[p.op], p)
	}
	for op, rows := range byOp {
		var pushErr error
		switch op {
		case opUpsert:
			pushErr = w.pushUpserts(ctx, rows)
		case opDelete:
			pushErr = w.index.DeleteByIDs(ctx, claimIDsOf(rows))
		default:
			pushErr = fmt.Errorf("unknown outbox operation %q", op)
		}
		w.settle(ctx, op, rows, pushErr)
	}

	if time.Since(w.lastPurge) > purgeInterval {
		w.purgeDeadLetters(ctx)
		w.lastPurge = time.Now()
	}
}

// lease claims up to limit eligible rows in a single statement. SKIP
// LOCKED keeps concurrent replicas from leasing the same rows.
func (w *OutboxWorker) lease(ctx context.Context) ([]pendingSync, error) {
	rows, err := w.pool.Query(ctx,
		`UPDATE search_outbox
		 SET locked_until = now() + $3::int * interval '1 second'
		 WHERE id IN (
		     SELECT id FROM search_outbox
		     WHERE (locked_until IS NULL OR locked_until < now())
		       AND attempts < $1
		     ORDER BY created_at, id
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, claim_id, org_id, operation, attempts`,
		maxOutboxAttempts, w.limit, int(outboxLease.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: lease: %w", err)
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pendingSync, error) {
		var p pendingSync
		err := row.Scan(&p.id, &p.claimID, &p.orgID, &p.op, &p.attempts)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("search outbox: scan leased rows: %w", err)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })
	return batch, nil
}

// pushUpserts loads the current embedding for each claim and upserts it.
// Claims whose embedding has gone have nothing to push and count as done.
func (w *OutboxWorker) pushUpserts(ctx context.Context, rows []pendingSync) error {
	points, err := w.loadPoints(ctx, claimIDsOf(rows))
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	return w.index.Upsert(ctx, points)
}

// settle deletes rows the index accepted, or records the failure and
// pushes the next attempt out by 2^attempts seconds.
func (w *OutboxWorker) settle(ctx context.Context, op string, rows []pendingSync, pushErr error) {
	ids := make([]int64, len(rows))
	for i, p := range rows {
		ids[i] = p.id
	}
	opAttr := metric.WithAttributes(attribute.String("operation", op))

	if pushErr == nil {
		if _, err := w.pool.Exec(ctx, `DELETE FROM search_outbox WHERE id = ANY($1)`, ids); err != nil {
			w.logger.Error("ack failed", "error", err, "operation", op)
			return
		}
		if w.synced != nil {
			w.synced.Add(ctx, int64(len(rows)), opAttr)
		}
		w.logger.Debug("synced", "operation", op, "count", len(rows))
		return
	}

	w.logger.Error("index write failed", "error", pushErr, "operation", op, "count", len(rows))
	if w.failed != nil {
		w.failed.Add(ctx, int64(len(rows)), opAttr)
	}
	if _, err := w.pool.Exec(ctx,
		`UPDATE search_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), $2::int) * interval '1 second'
		 WHERE id = ANY($3)`,
		pushErr.Error(), maxRetryDelaySeconds, ids,
	); err != nil {
		w.logger.Error("recording failure", "error", err, "operation", op)
		return
	}
	for _, p := range rows {
		if p.attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("entry dead-lettered",
				"outbox_id", p.id, "claim_id", p.claimID, "org_id", p.orgID, "operation", op)
		}
	}
}

// purgeDeadLetters drops dead letters older than deadLetterTTL.
func (w *OutboxWorker) purgeDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM search_outbox
		 WHERE attempts >= $1 AND created_at < now() - $2::int * interval '1 second'`,
		maxOutboxAttempts, int(deadLetterTTL.Seconds()),
	)
	if err != nil {
		w.logger.Error("dead letter purge failed", "error", err)
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		w.logger.Info("dead letters purged", "count", n)
	}
}

func (w *OutboxWorker) loadPoints(ctx context.Context, claimIDs []uuid.UUID) ([]Point, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT c.id, c.org_id, c.carrier, c.status, c.updated_at, e.embedding
		 FROM claims c
		 JOIN claim_embeddings e ON e.claim_id = c.id AND e.org_id = c.org_id
		 WHERE c.id = ANY($1)`,
		claimIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("search outbox: load points: %w", err)
	}
	points, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Point, error) {
		var (
			p   Point
			vec pgvector.Vector
		)
		if err := row.Scan(&p.ClaimID, &p.OrgID, &p.Carrier, &p.Status, &p.UpdatedAt, &vec); err != nil {
			return Point{}, err
		}
		p.Embedding = vec.Slice()
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("search outbox: scan points: %w", err)
	}
	return points, nil
}

// instrument registers the outbox counters and the depth gauge.
func (w *OutboxWorker) instrument() {
	meter := telemetry.Meter("shinsa/outbox")

	var errs []error
	var err error
	w.synced, err = meter.Int64Counter("shinsa.outbox.synced",
		metric.WithDescription("Outbox entries accepted by the vector index"))
	errs = append(errs, err)
	w.failed, err = meter.Int64Counter("shinsa.outbox.failed",
		metric.WithDescription("Outbox entries the vector index rejected"))
	errs = append(errs, err)
	_, err = meter.Int64ObservableGauge("shinsa.outbox.depth",
		metric.WithDescription("Live entries waiting in the search outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			if w.pool == nil {
				return nil
			}
			var depth int64
			if err := w.pool.QueryRow(ctx,
				`SELECT count(*) FROM search_outbox WHERE attempts < $1`, maxOutboxAttempts,
			).Scan(&depth); err == nil {
				o.Observe(depth)
			}
			return nil
		}),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		w.logger.Warn("outbox metrics unavailable", "error", err)
	}
}

func claimIDsOf(rows []pendingSync) []uuid.UUID {
	ids := make([]uuid.UUID, len(rows))
	for i, p := range rows {
		ids[i] = p.claimID
	}
	return ids
}
