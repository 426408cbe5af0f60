package authz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/matrix"
	"github.com/noah-isme/gatekeep/internal/shared"
)

type stubResolver struct {
	granted map[string]bool
	err     error
}

func (s stubResolver) ResolvePair(ctx context.Context, userID int64, permissionKey string) (matrix.Cell, error) {
	if s.err != nil {
		return matrix.Cell{}, s.err
	}
	if s.granted[permissionKey] {
		return matrix.Cell{State: access.StateRoleGranted, Granted: true}, nil
	}
	return matrix.Cell{State: access.StateNoAccess}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(withActor bool) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if withActor {
		req = req.WithContext(shared.ContextWithActor(req.Context(), shared.Actor{ID: 7, Email: "admin@example.com"}))
	}
	return req
}

func TestRequireAnyRejectsMissingActor(t *testing.T) {
	mw := Middleware{Resolver: stubResolver{granted: map[string]bool{"permissions.view": true}}}
	handler := mw.RequireAny("permissions.view")(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(false))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireAnyPassesOnFirstGrant(t *testing.T) {
	mw := Middleware{Resolver: stubResolver{granted: map[string]bool{"audit.view": true}}}
	handler := mw.RequireAny("permissions.view", "audit.view")(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestRequireAnyRejectsWhenNothingGranted(t *testing.T) {
	mw := Middleware{Resolver: stubResolver{granted: map[string]bool{}}}
	handler := mw.RequireAny("permissions.edit")(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireAnyRejectsUnknownActor(t *testing.T) {
	// A gateway header can name a user that was never provisioned; that is
	// a denial, not a server fault.
	mw := Middleware{Resolver: stubResolver{err: fmt.Errorf("user 7: %w", shared.ErrNotFound)}}
	handler := mw.RequireAny("permissions.view")(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestRequireAnyAnswers500OnResolverOutage(t *testing.T) {
	mw := Middleware{Resolver: stubResolver{err: errors.New("dial tcp: connection refused")}}
	handler := mw.RequireAny("permissions.view")(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestRequireAllNeedsEveryPermission(t *testing.T) {
	mw := Middleware{Resolver: stubResolver{granted: map[string]bool{"permissions.view": true}}}

	handler := mw.RequireAll("permissions.view", "permissions.edit")(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}

	mw = Middleware{Resolver: stubResolver{granted: map[string]bool{"permissions.view": true, "permissions.edit": true}}}
	handler = mw.RequireAll("permissions.view", "permissions.edit")(okHandler())
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, request(true))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
