// Package testutil starts the Postgres that storage-backed tests run
// against and offers small fixtures on top of it.
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
//
// Setting SHINSA_TEST_DATABASE_URL reuses an existing database (with the
// vector extension available) instead of starting a container.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/shinsa/internal/model"
	"github.com/ashita-ai/shinsa/internal/storage"
	"github.com/ashita-ai/shinsa/migrations"
)

// EnvDatabaseURL names the variable that bypasses the container.
const EnvDatabaseURL = "SHINSA_TEST_DATABASE_URL"

const (
	postgresImage   = "pgvector/pgvector:pg17"
	postgresCreds   = "shinsa"
	startupDeadline = 90 * time.Second
)

// TestContainer is a running Postgres and the DSN that reaches it.
// Container is nil when the DSN came from EnvDatabaseURL.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts pgvector-enabled Postgres, or adopts the database
// named by EnvDatabaseURL, and creates the vector extension.
func StartPostgres(ctx context.Context) (*TestContainer, error) {
	tc := &TestContainer{DSN: os.Getenv(EnvDatabaseURL)}
	if tc.DSN == "" {
		c, dsn, err := runContainer(ctx)
		if err != nil {
			return nil, err
		}
		tc.Container, tc.DSN = c, dsn
	}

	// The pool registers the vector type on connect, so the extension has
	// to exist first.
	conn, err := pgx.Connect(ctx, tc.DSN)
	if err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: bootstrap connect: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()
	if _, err := conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		tc.Terminate()
		return nil, fmt.Errorf("testutil: create vector extension: %w", err)
	}
	return tc, nil
}

func runContainer(ctx context.Context) (testcontainers.Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresCreds,
				"POSTGRES_PASSWORD": postgresCreds,
				"POSTGRES_DB":       postgresCreds,
			},
			// The entrypoint restarts Postgres once after initdb.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(startupDeadline),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("testutil: start container: %w", err)
	}

	endpoint, err := c.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("testutil: container endpoint: %w", err)
	}
	dsn := fmt.Sprintf("postgres://%[1]s:%[1]s@%[2]s/%[1]s?sslmode=disable", postgresCreds, endpoint)
	return c, dsn, nil
}

// MustStartPostgres is StartPostgres for TestMain: it exits the process
// on failure.
func MustStartPostgres() *TestContainer {
	tc, err := StartPostgres(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return tc
}

// NewTestDB opens a storage.DB on the container, with the same DSN for the
// LISTEN connection, and applies all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: open db: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: migrate: %w", err)
	}
	return db, nil
}

// Terminate removes the container. It does nothing for an adopted database.
func (tc *TestContainer) Terminate() {
	if tc.Container != nil {
		_ = tc.Container.Terminate(context.Background())
	}
}

// TestLogger logs warnings and errors to stderr.
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// CreateOrg inserts an org with a unique slug so tests sharing a database
// stay isolated, and returns its ID.
func CreateOrg(ctx context.Context, db *storage.DB) (uuid.UUID, error) {
	tag := uuid.NewString()[:8]
	org, err := db.CreateOrganization(ctx, model.Organization{Name: "Org " + tag, Slug: "org-" + tag})
	if err != nil {
		return uuid.Nil, fmt.Errorf("testutil: create org: %w", err)
	}
	return org.ID, nil
}
