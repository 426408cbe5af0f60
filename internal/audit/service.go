package audit

import (
	"context"
	"fmt"

	"github.com/noah-isme/gatekeep/internal/shared"
)

// RepositoryPort defines the data access methods the trail needs.
type RepositoryPort interface {
	ListFor(ctx context.Context, userID int64) ([]Entry, error)
	ListForPair(ctx context.Context, userID int64, permissionKey string) ([]Entry, error)
}

// Result wraps a trail page with paging metadata.
type Result struct {
	Entries []Entry
	Paging  shared.Pagination
}

// Service reads the audit trail. Appends happen only inside the override
// store transaction, never through this service.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Trail returns the full trail for a user, oldest first.
func (s *Service) Trail(ctx context.Context, userID int64) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.ListFor(ctx, userID)
}

// TrailPage returns one page of a user's trail, oldest first.
func (s *Service) TrailPage(ctx context.Context, userID int64, page, perPage int) (Result, error) {
	entries, err := s.Trail(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	paging := shared.NewPagination(page, perPage, len(entries))
	start := (paging.Page - 1) * paging.PerPage
	if start >= len(entries) {
		return Result{Entries: []Entry{}, Paging: paging}, nil
	}
	end := start + paging.PerPage
	if end > len(entries) {
		end = len(entries)
	}
	return Result{Entries: entries[start:end], Paging: paging}, nil
}

// PairTrail returns the trail for one (user, permission) pair.
func (s *Service) PairTrail(ctx context.Context, userID int64, permissionKey string) ([]Entry, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.ListForPair(ctx, userID, permissionKey)
}
