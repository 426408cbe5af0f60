package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository loads the permission catalog from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListPermissions returns the full catalog ordered by module then action.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, label, description FROM permissions ORDER BY split_part(key, '.', 1), split_part(key, '.', 2)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.Key, &p.Label, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// Load fetches the catalog and builds the immutable Catalog value. Call
// once at startup; the result is treated as constant for the process.
func Load(ctx context.Context, pool *pgxpool.Pool) (*Catalog, error) {
	perms, err := NewRepository(pool).ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	return New(perms)
}
