package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

const (
	qdrantRESTPort = 6333
	qdrantGRPCPort = 6334

	healthTTL     = 5 * time.Second
	healthTimeout = 3 * time.Second
)

// payloadIndexes are created on every start; CreateFieldIndex is a no-op
// for indexes that already exist.
var payloadIndexes = []struct {
	field string
	kind  qdrant.FieldType
}{
	{"org_id", qdrant.FieldType_FieldTypeKeyword},
	{"carrier", qdrant.FieldType_FieldTypeKeyword},
	{"status", qdrant.FieldType_FieldTypeKeyword},
	{"updated_at_unix", qdrant.FieldType_FieldTypeFloat},
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // "https://xyz.cloud.qdrant.io:6333", "http://localhost:6334", ...
	APIKey     string
	Collection string
	Dims       uint64
}

// Point is one claim as stored in the Qdrant collection.
type Point struct {
	ClaimID   uuid.UUID
	OrgID     uuid.UUID
	Carrier   string
	Status    string
	UpdatedAt time.Time
	Embedding []float32
}

// QdrantIndex is a CaseFinder and PointIndex backed by a Qdrant collection.
// Every query is filtered on org_id.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
	health     healthProbe
}

var (
	_ CaseFinder = (*QdrantIndex)(nil)
	_ PointIndex = (*QdrantIndex)(nil)
)

// parseQdrantURL splits a Qdrant URL into gRPC dial parameters. The REST
// port (or no port at all) maps to the gRPC port; other ports are kept.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	port = qdrantGRPCPort
	if raw := u.Port(); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", raw)
		}
		if n != qdrantRESTPort {
			port = n
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// NewQdrantIndex builds a client for cfg. The gRPC connection is dialled
// lazily, so an unreachable server surfaces on the first call.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port, APIKey: cfg.APIKey, UseTLS: useTLS})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the cosine collection on first use and then
// makes sure every payload index exists.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           qdrant.PtrOf(uint64(16)),
					EfConstruct: qdrant.PtrOf(uint64(128)),
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: collection created", "collection", q.collection, "dims", q.dims)
	}

	for _, idx := range payloadIndexes {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      idx.field,
			FieldType:      qdrant.PtrOf(idx.kind),
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", idx.field, err)
		}
	}
	return nil
}

// FindSimilar returns the org's nearest claims to embedding, best first,
// never including excludeID.
func (q *QdrantIndex) FindSimilar(ctx context.Context, orgID uuid.UUID, embedding []float32, excludeID uuid.UUID, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	// One extra hit covers the claim being evaluated.
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter: &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch("org_id", orgID.String()),
		}},
		Limit:       qdrant.PtrOf(uint64(limit) + 1), //nolint:gosec // limit is positive
		WithPayload: qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant find similar: %w", err)
	}

	out := make([]Result, 0, limit)
	for _, hit := range scored {
		id, err := uuid.Parse(hit.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("qdrant: skipping point without a UUID id", "id", hit.GetId().String())
			continue
		}
		if id == excludeID {
			continue
		}
		out = append(out, Result{ClaimID: id, Score: hit.GetScore()})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Upsert writes points and waits for Qdrant to apply them.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ClaimID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(pointPayload(p)),
		})
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// pointPayload holds the filterable fields of a point. Empty strings are
// left out so they never match a keyword filter.
func pointPayload(p Point) map[string]any {
	payload := map[string]any{
		"org_id":          p.OrgID.String(),
		"updated_at_unix": float64(p.UpdatedAt.Unix()),
	}
	for key, v := range map[string]string{"carrier": p.Carrier, "status": p.Status} {
		if v != "" {
			payload[key] = v
		}
	}
	return payload
}

// DeleteByIDs removes points by claim ID and waits for Qdrant to apply it.
func (q *QdrantIndex) DeleteByIDs(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id.String()))
	}
	if _, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	}); err != nil {
		return fmt.Errorf("search: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// Healthy reports whether Qdrant answered its last health check. Results
// are reused for healthTTL; once stale, concurrent callers share one probe.
func (q *QdrantIndex) Healthy(context.Context) error {
	if fresh, err := q.health.cached(time.Now()); fresh {
		return err
	}
	v, _, _ := q.health.group.Do("health", func() (any, error) {
		// Waiters share this call, so it must not inherit any one caller's context.
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		var err error
		if _, hcErr := q.client.HealthCheck(ctx); hcErr != nil {
			err = fmt.Errorf("search: qdrant unhealthy: %w", hcErr)
		}
		q.health.record(err, time.Now())
		return err, nil
	})
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

// healthProbe caches the outcome of the last health check.
type healthProbe struct {
	group singleflight.Group

	mu        sync.Mutex
	err       error
	checkedAt time.Time
}

func (h *healthProbe) cached(now time.Time) (fresh bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.checkedAt.IsZero() || now.Sub(h.checkedAt) >= healthTTL {
		return false, nil
	}
	return true, h.err
}

func (h *healthProbe) record(err error, at time.Time) {
	h.mu.Lock()
	h.err, h.checkedAt = err, at
	h.mu.Unlock()
}
