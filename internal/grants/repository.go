package grants

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/gatekeep/internal/shared"
)

// Repository provides PostgreSQL backed reads of users and role grants.
// The role→permission mapping is owned by the identity subsystem; this
// side only queries it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListUsers returns all users with their assigned role names.
func (r *Repository) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.email, u.full_name, u.is_active, u.is_director,
		       COALESCE(array_agg(ro.name ORDER BY ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles ro ON ro.id = ur.role_id
		GROUP BY u.id, u.email, u.full_name, u.is_active, u.is_director
		ORDER BY u.full_name, u.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.IsDirector, &u.RoleNames); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// GetUser returns one user with role names.
func (r *Repository) GetUser(ctx context.Context, userID int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.full_name, u.is_active, u.is_director,
		       COALESCE(array_agg(ro.name ORDER BY ro.name) FILTER (WHERE ro.name IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles ro ON ro.id = ur.role_id
		WHERE u.id = $1
		GROUP BY u.id, u.email, u.full_name, u.is_active, u.is_director`, userID).
		Scan(&u.ID, &u.Email, &u.FullName, &u.IsActive, &u.IsDirector, &u.RoleNames)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("grants: user %d: %w", userID, shared.ErrNotFound)
		}
		return User{}, err
	}
	return u, nil
}

// RoleGrants returns the role-derived grant set for one user.
func (r *Repository) RoleGrants(ctx context.Context, userID int64) (GrantSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rp.permission_key, ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = ro.id
		WHERE ur.user_id = $1
		ORDER BY rp.permission_key, ro.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGrantRows(rows, nil)
}

// RoleGrantsForAll returns grant sets for every user in one query, keyed
// by user id. The matrix snapshot builder uses this to avoid a query per
// user.
func (r *Repository) RoleGrantsForAll(ctx context.Context) (map[int64]GrantSet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ur.user_id, rp.permission_key, ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = ro.id
		ORDER BY ur.user_id, rp.permission_key, ro.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := make(map[int64]GrantSet)
	for rows.Next() {
		var userID int64
		var key, role string
		if err := rows.Scan(&userID, &key, &role); err != nil {
			return nil, err
		}
		set, ok := result[userID]
		if !ok {
			set = make(GrantSet)
			result[userID] = set
		}
		set[key] = append(set[key], role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// IsDirector reports whether the user carries the bypass-all flag.
func (r *Repository) IsDirector(ctx context.Context, userID int64) (bool, error) {
	var isDirector bool
	err := r.pool.QueryRow(ctx, `SELECT is_director FROM users WHERE id = $1`, userID).Scan(&isDirector)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("grants: user %d: %w", userID, shared.ErrNotFound)
	}
	return isDirector, err
}

func scanGrantRows(rows pgx.Rows, set GrantSet) (GrantSet, error) {
	if set == nil {
		set = make(GrantSet)
	}
	for rows.Next() {
		var key, role string
		if err := rows.Scan(&key, &role); err != nil {
			return nil, err
		}
		set[key] = append(set[key], role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
