package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/overrides"
	"github.com/noah-isme/gatekeep/internal/shared"
	_ "github.com/noah-isme/gatekeep/testing"
)

type stubGrants struct {
	users    []grants.User
	grantSet map[int64]grants.GrantSet
}

func (s *stubGrants) ListUsers(ctx context.Context) ([]grants.User, error) {
	return s.users, nil
}

func (s *stubGrants) GetUser(ctx context.Context, userID int64) (grants.User, error) {
	for _, u := range s.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return grants.User{}, fmt.Errorf("user %d: %w", userID, shared.ErrNotFound)
}

func (s *stubGrants) RoleGrants(ctx context.Context, userID int64) (grants.GrantSet, error) {
	if set, ok := s.grantSet[userID]; ok {
		return set, nil
	}
	return grants.GrantSet{}, nil
}

func (s *stubGrants) RoleGrantsForAll(ctx context.Context) (map[int64]grants.GrantSet, error) {
	return s.grantSet, nil
}

// storeReader adapts the mock store to the snapshot read side.
type storeReader struct{ store *mockStore }

func (r storeReader) Get(ctx context.Context, userID int64, permissionKey string) (*overrides.Override, error) {
	return r.store.Get(ctx, userID, permissionKey)
}

func (r storeReader) ListForUser(ctx context.Context, userID int64) (map[string]overrides.Override, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := map[string]overrides.Override{}
	for pair, ov := range r.store.data {
		if pair.UserID == userID {
			out[pair.PermissionKey] = ov
		}
	}
	return out, nil
}

func (r storeReader) ListAll(ctx context.Context) (map[int64]map[string]overrides.Override, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := map[int64]map[string]overrides.Override{}
	for pair, ov := range r.store.data {
		byKey, ok := out[pair.UserID]
		if !ok {
			byKey = map[string]overrides.Override{}
			out[pair.UserID] = byKey
		}
		byKey[pair.PermissionKey] = ov
	}
	return out, nil
}

type stubTrail struct {
	entries []audit.Entry
}

func (s *stubTrail) Trail(ctx context.Context, userID int64) ([]audit.Entry, error) {
	return s.entries, nil
}

func (s *stubTrail) TrailPage(ctx context.Context, userID int64, page, perPage int) (audit.Result, error) {
	return audit.Result{
		Entries: s.entries,
		Paging:  shared.NewPagination(page, perPage, len(s.entries)),
	}, nil
}

type stubExports struct{ lastUser int64 }

func (s *stubExports) EnqueueAuditExport(ctx context.Context, userID int64, requestedBy string) (string, error) {
	s.lastUser = userID
	return "export-123", nil
}

type allowGuard struct{}

func (allowGuard) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}

func handlerFixture(t *testing.T) (http.Handler, *mockStore) {
	t.Helper()
	store := newMockStore()
	identity := &stubGrants{
		users: []grants.User{
			{ID: 1, Email: "sara@example.com", FullName: "Sara Lin", IsActive: true, RoleNames: []string{"Sales Manager"}},
			{ID: 2, Email: "diego@example.com", FullName: "Diego Ruiz", IsActive: true, IsDirector: true},
		},
		grantSet: map[int64]grants.GrantSet{
			1: {"invoices.delete": {"Sales Manager"}},
		},
	}
	cat := testCatalog(t)
	service := NewService(cat, identity, storeReader{store}, nil, nil)
	coordinator := NewCoordinator(store, identity, cat, nil, nil, nil)
	trail := &stubTrail{entries: []audit.Entry{{ID: 1, UserID: 1, PermissionKey: "invoices.delete"}}}
	handler := NewHandler(nil, service, coordinator, trail, &stubExports{}, allowGuard{})

	r := chi.NewRouter()
	r.Route("/api/permissions", handler.MountRoutes)
	return r, store
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req = req.WithContext(shared.ContextWithActor(req.Context(), testActor))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestGetMatrixEndpoint(t *testing.T) {
	h, _ := handlerFixture(t)
	rr := doRequest(t, h, http.MethodGet, "/api/permissions/matrix?hide_inactive=1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Len(t, snap.Users, 2)
	assert.Len(t, snap.Permissions, 3)
}

func TestSetOverrideEndpoint(t *testing.T) {
	h, store := handlerFixture(t)
	rr := doRequest(t, h, http.MethodPut,
		"/api/permissions/users/1/overrides/invoices.delete",
		`{"action":"deny","reason":"freeze"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp setOverrideResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ROLE_GRANTED", string(resp.PrevState))
	assert.Equal(t, "CUSTOM_DENY", string(resp.NewState))
	require.NotNil(t, resp.Override)
	assert.Equal(t, int64(1), resp.Override.Version)
	assert.Len(t, store.audits, 1)
}

func TestSetOverrideEndpointValidation(t *testing.T) {
	h, _ := handlerFixture(t)

	rr := doRequest(t, h, http.MethodPut,
		"/api/permissions/users/1/overrides/invoices.delete",
		`{"action":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, h, http.MethodPut,
		"/api/permissions/users/1/overrides/ships.launch",
		`{"action":"grant"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSetOverrideEndpointDirector(t *testing.T) {
	h, _ := handlerFixture(t)
	rr := doRequest(t, h, http.MethodPut,
		"/api/permissions/users/2/overrides/invoices.view",
		`{"action":"grant"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, "policy_violation", problem["kind"])
}

func TestSetOverrideEndpointStoreDown(t *testing.T) {
	h, store := handlerFixture(t)
	store.putErr = fmt.Errorf("down: %w", shared.ErrStoreUnavailable)
	rr := doRequest(t, h, http.MethodPut,
		"/api/permissions/users/1/overrides/invoices.view",
		`{"action":"grant"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	assert.Equal(t, true, problem["retryable"])
}

func TestRemoveOverrideEndpoint(t *testing.T) {
	h, _ := handlerFixture(t)
	rr := doRequest(t, h, http.MethodPut,
		"/api/permissions/users/1/overrides/invoices.view",
		`{"action":"grant"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, h, http.MethodDelete,
		"/api/permissions/users/1/overrides/invoices.view", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAuditTrailEndpoint(t *testing.T) {
	h, _ := handlerFixture(t)
	rr := doRequest(t, h, http.MethodGet, "/api/permissions/users/1/audit", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp auditTrailResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)
}

func TestAuditExportEndpoints(t *testing.T) {
	h, _ := handlerFixture(t)

	rr := doRequest(t, h, http.MethodGet, "/api/permissions/users/1/audit/export.csv", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rr.Body.String(), "permission_key")

	rr = doRequest(t, h, http.MethodPost, "/api/permissions/users/1/audit/export", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Contains(t, rr.Body.String(), "export-123")
}
