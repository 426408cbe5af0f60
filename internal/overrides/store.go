// Package overrides persists per-user custom overrides. Every write runs
// in one transaction together with its audit trail append: either both
// commit or neither is visible.
package overrides

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/platform/db"
	"github.com/noah-isme/gatekeep/internal/shared"
)

// AuditAppender appends an audit entry within the store's transaction.
type AuditAppender interface {
	AppendTx(ctx context.Context, tx pgx.Tx, entry audit.Entry) (int64, error)
}

// Store provides PostgreSQL backed persistence for overrides.
type Store struct {
	pool    *pgxpool.Pool
	auditor AuditAppender
}

// NewStore constructs a store.
func NewStore(pool *pgxpool.Pool, auditor AuditAppender) *Store {
	return &Store{pool: pool, auditor: auditor}
}

// Get returns the override for the pair, or nil when none exists.
func (s *Store) Get(ctx context.Context, userID int64, permissionKey string) (*Override, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version
		FROM user_overrides
		WHERE user_id = $1 AND permission_key = $2`, userID, permissionKey)
	ov, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get override", err)
	}
	return &ov, nil
}

// ListForUser returns all overrides of one user keyed by permission key.
func (s *Store) ListForUser(ctx context.Context, userID int64) (map[string]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version
		FROM user_overrides
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, storeErr("list overrides", err)
	}
	defer rows.Close()
	result := make(map[string]Override)
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return nil, storeErr("list overrides", err)
		}
		result[ov.PermissionKey] = ov
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list overrides", err)
	}
	return result, nil
}

// ListAll returns every override keyed by user id then permission key.
// The matrix snapshot builder reads the whole table in one pass.
func (s *Store) ListAll(ctx context.Context) (map[int64]map[string]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version
		FROM user_overrides`)
	if err != nil {
		return nil, storeErr("list all overrides", err)
	}
	defer rows.Close()
	result := make(map[int64]map[string]Override)
	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return nil, storeErr("list all overrides", err)
		}
		byKey, ok := result[ov.UserID]
		if !ok {
			byKey = make(map[string]Override)
			result[ov.UserID] = byKey
		}
		byKey[ov.PermissionKey] = ov
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list all overrides", err)
	}
	return result, nil
}

// Put upserts the override for the pair and appends the audit entry in
// the same transaction. expectedVersion is the version the caller
// observed before mutating: 0 means "no override existed". A mismatch
// means another writer won the pair and yields ErrConflict.
func (s *Store) Put(ctx context.Context, ov Override, expectedVersion int64, entry audit.Entry) (Override, int64, error) {
	var (
		stored  Override
		auditID int64
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockPair(ctx, tx, ov.UserID, ov.PermissionKey)
		if err != nil {
			return err
		}
		currentVersion := int64(0)
		if current != nil {
			currentVersion = current.Version
		}
		if currentVersion != expectedVersion {
			return fmt.Errorf("overrides: put %d/%s: %w", ov.UserID, ov.PermissionKey, shared.ErrConflict)
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO user_overrides (user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, now(), 1)
			ON CONFLICT (user_id, permission_key) DO UPDATE SET
				action = EXCLUDED.action,
				reason = EXCLUDED.reason,
				granted_by = EXCLUDED.granted_by,
				granted_by_name = EXCLUDED.granted_by_name,
				granted_at = now(),
				version = user_overrides.version + 1
			RETURNING user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version`,
			ov.UserID, ov.PermissionKey, string(ov.Action), ov.Reason, ov.GrantedBy, ov.GrantedByName)
		stored, err = scanOverride(row)
		if err != nil {
			return err
		}
		auditID, err = s.auditor.AppendTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return Override{}, 0, storeErr("put override", err)
	}
	return stored, auditID, nil
}

// Delete removes the override for the pair and appends the audit entry in
// the same transaction. expectedVersion is the version the caller
// observed before mutating: 0 means "no override existed". Deleting a
// pair that is still absent is a no-op and produces no audit entry, but
// any version mismatch, including a row appearing where the caller saw
// none, yields ErrConflict.
func (s *Store) Delete(ctx context.Context, userID int64, permissionKey string, expectedVersion int64, entry audit.Entry) (int64, bool, error) {
	var (
		auditID int64
		deleted bool
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockPair(ctx, tx, userID, permissionKey)
		if err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("overrides: delete %d/%s: %w", userID, permissionKey, shared.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_overrides WHERE user_id = $1 AND permission_key = $2`, userID, permissionKey); err != nil {
			return err
		}
		deleted = true
		auditID, err = s.auditor.AppendTx(ctx, tx, entry)
		return err
	})
	if err != nil {
		return 0, false, storeErr("delete override", err)
	}
	return auditID, deleted, nil
}

func lockPair(ctx context.Context, tx pgx.Tx, userID int64, permissionKey string) (*Override, error) {
	row := tx.QueryRow(ctx, `
		SELECT user_id, permission_key, action, reason, granted_by, granted_by_name, granted_at, version
		FROM user_overrides
		WHERE user_id = $1 AND permission_key = $2
		FOR UPDATE`, userID, permissionKey)
	ov, err := scanOverride(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ov, nil
}

func scanOverride(row pgx.Row) (Override, error) {
	var ov Override
	var action string
	if err := row.Scan(&ov.UserID, &ov.PermissionKey, &action, &ov.Reason, &ov.GrantedBy, &ov.GrantedByName, &ov.GrantedAt, &ov.Version); err != nil {
		return Override{}, err
	}
	ov.Action = access.OverrideAction(action)
	return ov, nil
}

// storeErr classifies low-level failures. Serialization races and unique
// violations become Conflict; transport failures and timeouts become
// StoreUnavailable; taxonomy errors pass through untouched.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, shared.ErrConflict) || errors.Is(err, shared.ErrStoreUnavailable) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001": // unique_violation, serialization_failure
			return fmt.Errorf("overrides: %s: %w", op, shared.ErrConflict)
		}
	}
	return fmt.Errorf("overrides: %s: %v: %w", op, err, shared.ErrStoreUnavailable)
}
