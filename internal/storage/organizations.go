package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shinsa/internal/model"
)

// DefaultOrgSlug is the slug of the nil-UUID org the bootstrap admin and
// single-tenant deployments live in.
const DefaultOrgSlug = "default"

// CreateOrganization inserts an org and returns it with its database
// timestamps. A taken slug fails with ErrConflict.
func (db *DB) CreateOrganization(ctx context.Context, org model.Organization) (model.Organization, error) {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO organizations (id, name, slug) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		org.ID, org.Name, org.Slug,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	switch {
	case isUniqueViolation(err):
		return model.Organization{}, fmt.Errorf("storage: organization %q: %w", org.Slug, ErrConflict)
	case err != nil:
		return model.Organization{}, fmt.Errorf("storage: create organization: %w", err)
	}
	return org, nil
}

// EnsureDefaultOrg creates the default org on first start.
func (db *DB) EnsureDefaultOrg(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, slug) VALUES ($1, 'Default', $2)
		 ON CONFLICT (id) DO NOTHING`,
		uuid.Nil, DefaultOrgSlug,
	); err != nil {
		return fmt.Errorf("storage: ensure default org: %w", err)
	}
	return nil
}
