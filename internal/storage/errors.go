package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an insert collides with an existing row on
// a unique key, such as a second agent with the same agent_id in an org.
var ErrConflict = errors.New("storage: already exists")

// ErrDuplicateOutcome is returned alongside the already-stored outcome when
// an insert collides on (org_id, dedup_hash). The write is treated as applied.
var ErrDuplicateOutcome = errors.New("storage: duplicate outcome")

const sqlStateUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}
