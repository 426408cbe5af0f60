package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/catalog"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/overrides"
	"github.com/noah-isme/gatekeep/internal/shared"
)

// ============================================================================
// MOCK STORE AND IDENTITY
// ============================================================================

type mockStore struct {
	mu        sync.Mutex
	data      map[Pair]overrides.Override
	audits    []audit.Entry
	nextAudit int64

	getErr error
	putErr error
	delErr error

	putGate chan struct{} // when set, Put blocks until the gate closes
}

func newMockStore() *mockStore {
	return &mockStore{data: make(map[Pair]overrides.Override), nextAudit: 1}
}

func (m *mockStore) Get(ctx context.Context, userID int64, permissionKey string) (*overrides.Override, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	ov, ok := m.data[Pair{userID, permissionKey}]
	if !ok {
		return nil, nil
	}
	clone := ov
	return &clone, nil
}

func (m *mockStore) Put(ctx context.Context, ov overrides.Override, expectedVersion int64, entry audit.Entry) (overrides.Override, int64, error) {
	if m.putGate != nil {
		<-m.putGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return overrides.Override{}, 0, m.putErr
	}
	pair := Pair{ov.UserID, ov.PermissionKey}
	current, exists := m.data[pair]
	currentVersion := int64(0)
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return overrides.Override{}, 0, fmt.Errorf("mock put: %w", shared.ErrConflict)
	}
	ov.Version = currentVersion + 1
	ov.GrantedAt = time.Now()
	m.data[pair] = ov
	id := m.nextAudit
	m.nextAudit++
	entry.ID = id
	m.audits = append(m.audits, entry)
	return ov, id, nil
}

func (m *mockStore) Delete(ctx context.Context, userID int64, permissionKey string, expectedVersion int64, entry audit.Entry) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return 0, false, m.delErr
	}
	pair := Pair{userID, permissionKey}
	current, exists := m.data[pair]
	if !exists {
		return 0, false, nil
	}
	if current.Version != expectedVersion {
		return 0, false, fmt.Errorf("mock delete: %w", shared.ErrConflict)
	}
	delete(m.data, pair)
	id := m.nextAudit
	m.nextAudit++
	entry.ID = id
	m.audits = append(m.audits, entry)
	return id, true, nil
}

func (m *mockStore) auditCount(pair Pair) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, e := range m.audits {
		if e.UserID == pair.UserID && e.PermissionKey == pair.PermissionKey {
			count++
		}
	}
	return count
}

type mockIdentity struct {
	users  map[int64]grants.User
	grants map[int64]grants.GrantSet
}

func (m *mockIdentity) GetUser(ctx context.Context, userID int64) (grants.User, error) {
	u, ok := m.users[userID]
	if !ok {
		return grants.User{}, fmt.Errorf("mock identity: user %d: %w", userID, shared.ErrNotFound)
	}
	return u, nil
}

func (m *mockIdentity) RoleGrants(ctx context.Context, userID int64) (grants.GrantSet, error) {
	set, ok := m.grants[userID]
	if !ok {
		return grants.GrantSet{}, nil
	}
	return set, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *countingRecorder) MutationOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = make(map[string]int)
	}
	c.outcomes[outcome]++
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Permission{
		{Key: "invoices.view"},
		{Key: "invoices.delete"},
		{Key: "payments.view"},
	})
	require.NoError(t, err)
	return cat
}

func testFixture(t *testing.T) (*Coordinator, *mockStore, *mockIdentity, *countingRecorder) {
	t.Helper()
	store := newMockStore()
	identity := &mockIdentity{
		users: map[int64]grants.User{
			1: {ID: 1, Email: "sara@example.com", FullName: "Sara", IsActive: true},
			2: {ID: 2, Email: "diego@example.com", FullName: "Diego", IsActive: true, IsDirector: true},
		},
		grants: map[int64]grants.GrantSet{
			1: {"invoices.delete": {"Sales Manager"}},
		},
	}
	recorder := &countingRecorder{}
	coord := NewCoordinator(store, identity, testCatalog(t), nil, recorder, nil)
	return coord, store, identity, recorder
}

var testActor = shared.Actor{ID: 99, Email: "admin@example.com", FullName: "Admin"}

// ============================================================================
// MUTATION PROTOCOL
// ============================================================================

func TestSetOverrideCommitsAndAudits(t *testing.T) {
	coord, store, _, recorder := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	var view CellView
	result, err := coord.SetOverride(context.Background(), &view, pair, access.ActionDeny, "temporary freeze", testActor)
	require.NoError(t, err)

	assert.Equal(t, PhaseCommitted, view.Phase())
	require.NotNil(t, result.Override)
	assert.Equal(t, access.ActionDeny, result.Override.Action)
	assert.Equal(t, int64(1), result.Override.Version)
	assert.Equal(t, access.StateRoleGranted, result.Previous)
	assert.Equal(t, access.StateCustomDeny, result.Current)
	assert.NotZero(t, result.AuditEntryID)

	require.Len(t, store.audits, 1)
	entry := store.audits[0]
	assert.Equal(t, access.StateRoleGranted, entry.PreviousState)
	assert.Equal(t, access.StateCustomDeny, entry.NewState)
	assert.Equal(t, "Admin", entry.ActorName)
	assert.Equal(t, "temporary freeze", entry.Reason)
	assert.Equal(t, 1, recorder.outcomes["committed"])
}

func TestSetOverrideRollsBackOnStoreFailure(t *testing.T) {
	coord, store, _, recorder := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}
	store.putErr = fmt.Errorf("boom: %w", shared.ErrStoreUnavailable)

	var view CellView
	_, err := coord.SetOverride(context.Background(), &view, pair, access.ActionGrant, "", testActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrStoreUnavailable))

	// Rollback exactness: nothing existed before, nothing is visible after.
	assert.Equal(t, PhaseRolledBack, view.Phase())
	assert.Nil(t, view.Visible())
	assert.Empty(t, store.audits)
	assert.Equal(t, 1, recorder.outcomes["rolled_back"])
}

func TestSetOverrideRollbackRestoresPriorOverrideExactly(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	// Seed a committed override first.
	_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionGrant, "initial", testActor)
	require.NoError(t, err)
	before, err := store.Get(context.Background(), pair.UserID, pair.PermissionKey)
	require.NoError(t, err)

	store.putErr = fmt.Errorf("down: %w", shared.ErrStoreUnavailable)
	var view CellView
	_, err = coord.SetOverride(context.Background(), &view, pair, access.ActionDeny, "second attempt", testActor)
	require.Error(t, err)

	restored := view.Visible()
	require.NotNil(t, restored)
	assert.Equal(t, *before, *restored)
}

func TestSetOverrideRejectsDirector(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 2, PermissionKey: "invoices.delete"}

	var view CellView
	_, err := coord.SetOverride(context.Background(), &view, pair, access.ActionGrant, "", testActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrPolicyViolation))

	// Rejected before any store interaction: no state change, no audit entry.
	assert.Empty(t, store.data)
	assert.Empty(t, store.audits)
	assert.Equal(t, Phase(""), view.Phase())
}

func TestSetOverrideValidation(t *testing.T) {
	coord, _, _, _ := testFixture(t)

	cases := []struct {
		name   string
		pair   Pair
		action access.OverrideAction
		reason string
	}{
		{"malformed key", Pair{1, "no-dot"}, access.ActionGrant, ""},
		{"unknown permission", Pair{1, "ships.launch"}, access.ActionGrant, ""},
		{"unknown action", Pair{1, "invoices.view"}, access.OverrideAction("maybe"), ""},
		{"reason too long", Pair{1, "invoices.view"}, access.ActionGrant, string(make([]byte, overrides.MaxReasonLength+1))},
		{"unknown user", Pair{404, "invoices.view"}, access.ActionGrant, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := coord.SetOverride(context.Background(), nil, tc.pair, tc.action, tc.reason, testActor)
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrValidation), "got %v", err)
		})
	}
}

func TestSetOverrideIdentityOutageIsRetryable(t *testing.T) {
	pair := Pair{UserID: 1, PermissionKey: "invoices.view"}
	coord := NewCoordinator(newMockStore(), failingIdentity{}, testCatalog(t), nil, &countingRecorder{}, nil)

	_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionGrant, "", testActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrStoreUnavailable), "got %v", err)
	assert.True(t, shared.Retryable(err))
}

// failingIdentity simulates the identity store being unreachable.
type failingIdentity struct{}

func (failingIdentity) GetUser(ctx context.Context, userID int64) (grants.User, error) {
	return grants.User{}, errors.New("dial tcp 127.0.0.1:5432: connection refused")
}

func (failingIdentity) RoleGrants(ctx context.Context, userID int64) (grants.GrantSet, error) {
	return nil, errors.New("dial tcp 127.0.0.1:5432: connection refused")
}

func TestRemoveOverrideRevertsToRoleFallback(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionDeny, "freeze", testActor)
	require.NoError(t, err)

	result, err := coord.RemoveOverride(context.Background(), nil, pair, testActor)
	require.NoError(t, err)
	assert.Equal(t, access.StateCustomDeny, result.Previous)
	assert.Equal(t, access.StateRoleGranted, result.Current)

	// Resolution now matches a pair that never had an override.
	ov, err := store.Get(context.Background(), pair.UserID, pair.PermissionKey)
	require.NoError(t, err)
	assert.Nil(t, ov)
	assert.Equal(t, 2, store.auditCount(pair))
}

func TestRemoveOverrideAbsentIsNoOp(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "payments.view"}

	result, err := coord.RemoveOverride(context.Background(), nil, pair, testActor)
	require.NoError(t, err)
	assert.Zero(t, result.AuditEntryID)
	assert.Empty(t, store.audits)
}

func TestConcurrentMutationSamePairRejected(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	store.putGate = make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionGrant, "", testActor)
		firstDone <- err
	}()

	// Wait for the first mutation to hold the pair.
	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		_, busy := coord.inflight[pair]
		return busy
	}, time.Second, time.Millisecond)

	_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionDeny, "", testActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrMutationInProgress))

	close(store.putGate)
	require.NoError(t, <-firstDone)
}

func TestConcurrentMutationDifferentPairsProceed(t *testing.T) {
	coord, _, _, _ := testFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	pairs := []Pair{{1, "invoices.view"}, {1, "payments.view"}}
	for i, pair := range pairs {
		wg.Add(1)
		go func(i int, pair Pair) {
			defer wg.Done()
			_, errs[i] = coord.SetOverride(context.Background(), nil, pair, access.ActionGrant, "", testActor)
		}(i, pair)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
}

func TestLostRaceSurfacesConflictAndRollsBack(t *testing.T) {
	coord, store, _, recorder := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	// Writer A commits between B's snapshot and B's store write: simulate by
	// mutating the store underneath after B read its snapshot. The mock's
	// version check then rejects B like the SQL compare-and-swap would.
	_, err := coord.SetOverride(context.Background(), nil, pair, access.ActionGrant, "first", testActor)
	require.NoError(t, err)

	// B snapshots version 1, then A replaces to version 2.
	snapshotted, err := store.Get(context.Background(), pair.UserID, pair.PermissionKey)
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshotted.Version)
	_, err = coord.SetOverride(context.Background(), nil, pair, access.ActionDeny, "second", testActor)
	require.NoError(t, err)

	// Replay B's write with the stale expected version directly against the
	// store to confirm the CAS behavior the coordinator relies on.
	_, _, err = store.Put(context.Background(), overrides.Override{
		UserID: pair.UserID, PermissionKey: pair.PermissionKey, Action: access.ActionGrant,
	}, snapshotted.Version, audit.Entry{UserID: pair.UserID, PermissionKey: pair.PermissionKey,
		PreviousState: access.StateCustomGrant, NewState: access.StateCustomGrant})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))

	// And end-to-end: a coordinator whose Get returns a stale snapshot.
	stale := newMockStore()
	stale.data[pair] = overrides.Override{
		UserID: pair.UserID, PermissionKey: pair.PermissionKey,
		Action: access.ActionDeny, Version: 2,
	}
	staleStore := &staleSnapshotStore{inner: stale, reportVersion: 1}
	identity := &mockIdentity{
		users:  map[int64]grants.User{1: {ID: 1, IsActive: true}},
		grants: map[int64]grants.GrantSet{},
	}
	coord2 := NewCoordinator(staleStore, identity, testCatalog(t), nil, recorder, nil)
	var view CellView
	_, err = coord2.SetOverride(context.Background(), &view, pair, access.ActionGrant, "", testActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrConflict))
	assert.Equal(t, PhaseRolledBack, view.Phase())
	// The rolled-back view shows what this caller had seen before mutating.
	restored := view.Visible()
	require.NotNil(t, restored)
	assert.Equal(t, int64(1), restored.Version)
}

func TestRemoveWithStaleAbsentSnapshotConflicts(t *testing.T) {
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}

	// A concurrent writer commits between this caller's snapshot and its
	// delete: the caller saw no override, but the store now holds one.
	backing := newMockStore()
	backing.data[pair] = overrides.Override{
		UserID: pair.UserID, PermissionKey: pair.PermissionKey,
		Action: access.ActionGrant, Version: 1,
	}
	store := &staleSnapshotStore{inner: backing, reportAbsent: true}
	identity := &mockIdentity{
		users:  map[int64]grants.User{1: {ID: 1, IsActive: true}},
		grants: map[int64]grants.GrantSet{},
	}
	coord := NewCoordinator(store, identity, testCatalog(t), nil, &countingRecorder{}, nil)

	var view CellView
	_, err := coord.RemoveOverride(context.Background(), &view, pair, testActor)
	require.Error(t, err, "remove with a stale absent snapshot must not destroy the winner's override")
	assert.True(t, errors.Is(err, shared.ErrConflict))
	assert.Equal(t, PhaseRolledBack, view.Phase())

	// The concurrently committed override survives, with no audit entry
	// fabricated from the absent snapshot.
	survivor, err := backing.Get(context.Background(), pair.UserID, pair.PermissionKey)
	require.NoError(t, err)
	require.NotNil(t, survivor)
	assert.Equal(t, int64(1), survivor.Version)
	assert.Equal(t, 0, backing.auditCount(pair))
}

// staleSnapshotStore reports an outdated version, or a missing row, from
// Get while delegating writes, reproducing a concurrent writer winning
// the pair.
type staleSnapshotStore struct {
	inner         *mockStore
	reportVersion int64
	reportAbsent  bool
}

func (s *staleSnapshotStore) Get(ctx context.Context, userID int64, permissionKey string) (*overrides.Override, error) {
	if s.reportAbsent {
		return nil, nil
	}
	ov, err := s.inner.Get(ctx, userID, permissionKey)
	if err != nil || ov == nil {
		return ov, err
	}
	ov.Version = s.reportVersion
	return ov, nil
}

func (s *staleSnapshotStore) Put(ctx context.Context, ov overrides.Override, expectedVersion int64, entry audit.Entry) (overrides.Override, int64, error) {
	return s.inner.Put(ctx, ov, expectedVersion, entry)
}

func (s *staleSnapshotStore) Delete(ctx context.Context, userID int64, permissionKey string, expectedVersion int64, entry audit.Entry) (int64, bool, error) {
	return s.inner.Delete(ctx, userID, permissionKey, expectedVersion, entry)
}

func TestAuditCompleteness(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.delete"}
	ctx := context.Background()

	_, err := coord.SetOverride(ctx, nil, pair, access.ActionDeny, "freeze", testActor)
	require.NoError(t, err)
	_, err = coord.SetOverride(ctx, nil, pair, access.ActionGrant, "unfreeze", testActor)
	require.NoError(t, err)
	_, err = coord.RemoveOverride(ctx, nil, pair, testActor)
	require.NoError(t, err)
	// Absent remove: successful but not a mutation, so no entry.
	_, err = coord.RemoveOverride(ctx, nil, pair, testActor)
	require.NoError(t, err)

	assert.Equal(t, 3, store.auditCount(pair))
}

func TestCancelledCallerDoesNotAbortCommit(t *testing.T) {
	coord, store, _, _ := testFixture(t)
	pair := Pair{UserID: 1, PermissionKey: "invoices.view"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The write context is detached from caller cancellation, so the commit
	// proceeds and the view agrees with the store afterwards.
	var view CellView
	result, err := coord.SetOverride(ctx, &view, pair, access.ActionGrant, "", testActor)
	require.NoError(t, err)
	assert.Equal(t, PhaseCommitted, view.Phase())

	stored, err := store.Get(context.Background(), pair.UserID, pair.PermissionKey)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, result.Override.Version, stored.Version)
}
