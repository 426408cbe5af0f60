// Package matrix assembles the permissions matrix: request-scoped
// snapshots for reads, and the optimistic mutation coordinator for
// override writes.
package matrix

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/gatekeep/internal/catalog"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/overrides"
)

// GrantsPort is the read side of the role/identity subsystem.
type GrantsPort interface {
	ListUsers(ctx context.Context) ([]grants.User, error)
	GetUser(ctx context.Context, userID int64) (grants.User, error)
	RoleGrants(ctx context.Context, userID int64) (grants.GrantSet, error)
	RoleGrantsForAll(ctx context.Context) (map[int64]grants.GrantSet, error)
}

// OverrideReader is the read side of the override store.
type OverrideReader interface {
	Get(ctx context.Context, userID int64, permissionKey string) (*overrides.Override, error)
	ListForUser(ctx context.Context, userID int64) (map[string]overrides.Override, error)
	ListAll(ctx context.Context) (map[int64]map[string]overrides.Override, error)
}

// Service builds matrix snapshots and resolves single pairs.
type Service struct {
	catalog   *catalog.Catalog
	grants    GrantsPort
	overrides OverrideReader
	cache     *SnapshotCache
	logger    *slog.Logger
	now       func() time.Time

	buildGroup singleflight.Group
}

// NewService builds Service instance.
func NewService(cat *catalog.Catalog, grantsPort GrantsPort, overrideReader OverrideReader, cache *SnapshotCache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		catalog:   cat,
		grants:    grantsPort,
		overrides: overrideReader,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// GetMatrix returns a read-only snapshot sufficient to resolve every
// visible cell. Concurrent requests for the same filter share one build.
func (s *Service) GetMatrix(ctx context.Context, filter Filter) (*Snapshot, error) {
	if cached, err := s.cache.Get(ctx, filter); err != nil {
		s.logger.Warn("snapshot cache read", slog.Any("error", err))
	} else if cached != nil {
		return cached, nil
	}

	v, err, _ := s.singleflightBuild(ctx, FilterKey(filter), func(ctx context.Context) (any, error) {
		return s.buildMatrix(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (s *Service) buildMatrix(ctx context.Context, filter Filter) (*Snapshot, error) {
	users, err := s.grants.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	grantsByUser, err := s.grants.RoleGrantsForAll(ctx)
	if err != nil {
		return nil, err
	}
	overridesByUser, err := s.overrides.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	snap := buildSnapshot(s.catalog, users, grantsByUser, overridesByUser, filter, s.now())
	if err := s.cache.Set(ctx, filter, snap); err != nil {
		s.logger.Warn("snapshot cache write", slog.Any("error", err))
	}
	return snap, nil
}

// ResolvePair resolves one (user, permission) cell directly from the
// stores, bypassing any snapshot.
func (s *Service) ResolvePair(ctx context.Context, userID int64, permissionKey string) (Cell, error) {
	user, err := s.grants.GetUser(ctx, userID)
	if err != nil {
		return Cell{}, err
	}
	grantSet, err := s.grants.RoleGrants(ctx, userID)
	if err != nil {
		return Cell{}, err
	}
	userOverrides, err := s.overrides.ListForUser(ctx, userID)
	if err != nil {
		return Cell{}, err
	}
	row := MatrixUser{
		ID:         user.ID,
		FullName:   user.FullName,
		Email:      user.Email,
		IsActive:   user.IsActive,
		IsDirector: user.IsDirector,
		RoleNames:  user.RoleNames,
		RoleGrants: grantSet,
		Overrides:  userOverrides,
	}
	snap := Snapshot{}
	return snap.Cell(row, permissionKey), nil
}

func (s *Service) singleflightBuild(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error, bool) {
	resultChan := s.buildGroup.DoChan(key, func() (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
