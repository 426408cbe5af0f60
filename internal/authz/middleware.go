// Package authz guards the administration endpoints with the same
// resolution rules the matrix itself implements: the caller's effective
// access to a permission decides whether the request proceeds.
package authz

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/noah-isme/gatekeep/internal/matrix"
	"github.com/noah-isme/gatekeep/internal/shared"
)

// Resolver resolves one (user, permission) cell.
type Resolver interface {
	ResolvePair(ctx context.Context, userID int64, permissionKey string) (matrix.Cell, error)
}

// Middleware wires authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current actor has effective access to at least
// one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, perm := range perms {
				cell, err := m.Resolver.ResolvePair(r.Context(), actor.ID, perm)
				if err != nil {
					m.fail(w, "authz require any", err)
					return
				}
				if cell.Granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current actor has effective access to every
// required permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, perm := range perms {
				cell, err := m.Resolver.ResolvePair(r.Context(), actor.ID, perm)
				if err != nil {
					m.fail(w, "authz require all", err)
					return
				}
				if !cell.Granted {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// fail answers resolver errors. An actor header naming a user the store
// does not know is a denial, not a server fault.
func (m Middleware) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	if m.Logger != nil {
		m.Logger.Error(op, slog.Any("error", err))
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}
