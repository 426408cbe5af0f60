package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/gatekeep/internal/access"
)

// Repository provides PostgreSQL backed persistence for the audit trail.
// The id column is a BIGSERIAL, so insertion order and id order agree.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AppendTx inserts an entry within the caller's transaction. The override
// store calls this so that an override write and its audit entry commit
// or roll back together.
func (r *Repository) AppendTx(ctx context.Context, tx pgx.Tx, entry Entry) (int64, error) {
	if !entry.PreviousState.Valid() || !entry.NewState.Valid() {
		return 0, fmt.Errorf("audit: invalid state transition %q -> %q", entry.PreviousState, entry.NewState)
	}
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO override_audit (user_id, permission_key, previous_state, new_state, actor_id, actor_name, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id`,
		entry.UserID, entry.PermissionKey, string(entry.PreviousState), string(entry.NewState),
		entry.ActorID, entry.ActorName, entry.Reason).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ListFor returns all entries for a user, oldest first.
func (r *Repository) ListFor(ctx context.Context, userID int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, permission_key, previous_state, new_state, actor_id, actor_name, reason, created_at
		FROM override_audit
		WHERE user_id = $1
		ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListForPair returns all entries for one (user, permission) pair, oldest
// first.
func (r *Repository) ListForPair(ctx context.Context, userID int64, permissionKey string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, permission_key, previous_state, new_state, actor_id, actor_name, reason, created_at
		FROM override_audit
		WHERE user_id = $1 AND permission_key = $2
		ORDER BY id`, userID, permissionKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var prev, next string
		if err := rows.Scan(&e.ID, &e.UserID, &e.PermissionKey, &prev, &next, &e.ActorID, &e.ActorName, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.PreviousState, e.NewState = access.State(prev), access.State(next)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
