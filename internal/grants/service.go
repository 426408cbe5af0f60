// Package grants exposes the read-only role grant index: which roles
// would grant which permission to which user. It never writes; role and
// user management belong to the identity subsystem.
package grants

import "context"

// RepositoryPort defines data access methods for users and role grants.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	RoleGrants(ctx context.Context, userID int64) (GrantSet, error)
	RoleGrantsForAll(ctx context.Context) (map[int64]GrantSet, error)
	IsDirector(ctx context.Context, userID int64) (bool, error)
}

// Service handles role grant lookups.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListUsers returns all users with their role names.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.repo.ListUsers(ctx)
}

// GetUser returns one user.
func (s *Service) GetUser(ctx context.Context, userID int64) (User, error) {
	return s.repo.GetUser(ctx, userID)
}

// RoleGrants returns the grant set for one user.
func (s *Service) RoleGrants(ctx context.Context, userID int64) (GrantSet, error) {
	return s.repo.RoleGrants(ctx, userID)
}

// RoleGrantsForAll returns grant sets for every user.
func (s *Service) RoleGrantsForAll(ctx context.Context) (map[int64]GrantSet, error) {
	return s.repo.RoleGrantsForAll(ctx)
}

// IsDirector reports whether the user has the bypass-all flag.
func (s *Service) IsDirector(ctx context.Context, userID int64) (bool, error) {
	return s.repo.IsDirector(ctx, userID)
}
