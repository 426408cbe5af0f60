package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/catalog"
	"github.com/noah-isme/gatekeep/internal/grants"
	"github.com/noah-isme/gatekeep/internal/overrides"
	"github.com/noah-isme/gatekeep/internal/shared"
)

// Pair identifies one (user, permission) cell, the unit of mutation
// isolation.
type Pair struct {
	UserID        int64
	PermissionKey string
}

// Phase is the lifecycle of one optimistic mutation attempt.
type Phase string

const (
	// PhasePending means the speculative state is visible but unconfirmed.
	PhasePending Phase = "PENDING"
	// PhaseCommitted means the store confirmed the write.
	PhaseCommitted Phase = "COMMITTED"
	// PhaseRolledBack means the write failed and the snapshot was restored.
	PhaseRolledBack Phase = "ROLLED_BACK"
)

// View receives the speculative application of a mutation and its
// resolution. Apply always precedes exactly one Commit or Rollback.
type View interface {
	Apply(pair Pair, pending *overrides.Override)
	Commit(pair Pair, committed *overrides.Override)
	Rollback(pair Pair, snapshot *overrides.Override)
}

// CellView is the short-lived optimistic state for one cell: the
// pre-mutation snapshot, the speculative pending value and the outcome.
// The zero value is ready to use.
type CellView struct {
	mu        sync.Mutex
	phase     Phase
	snapshot  *overrides.Override
	visible   *overrides.Override
	hasResult bool
}

// Seed sets the committed state the view starts from. The coordinator
// calls this with the store snapshot before applying anything.
func (v *CellView) Seed(current *overrides.Override) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snapshot = cloneOverride(current)
	v.visible = cloneOverride(current)
}

// Apply makes the pending value visible.
func (v *CellView) Apply(pair Pair, pending *overrides.Override) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.phase = PhasePending
	v.visible = cloneOverride(pending)
}

// Commit retains the confirmed value.
func (v *CellView) Commit(pair Pair, committed *overrides.Override) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.phase = PhaseCommitted
	v.visible = cloneOverride(committed)
	v.hasResult = true
}

// Rollback restores the pre-mutation snapshot exactly.
func (v *CellView) Rollback(pair Pair, snapshot *overrides.Override) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.phase = PhaseRolledBack
	v.visible = cloneOverride(snapshot)
	v.hasResult = true
}

// Phase returns the current lifecycle phase.
func (v *CellView) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase
}

// Visible returns the override currently visible to the caller, nil when
// the cell has none.
func (v *CellView) Visible() *overrides.Override {
	v.mu.Lock()
	defer v.mu.Unlock()
	return cloneOverride(v.visible)
}

type nopView struct{}

func (nopView) Apply(Pair, *overrides.Override)    {}
func (nopView) Commit(Pair, *overrides.Override)   {}
func (nopView) Rollback(Pair, *overrides.Override) {}

// OverrideStore is the write side the coordinator commits through.
type OverrideStore interface {
	Get(ctx context.Context, userID int64, permissionKey string) (*overrides.Override, error)
	Put(ctx context.Context, ov overrides.Override, expectedVersion int64, entry audit.Entry) (overrides.Override, int64, error)
	Delete(ctx context.Context, userID int64, permissionKey string, expectedVersion int64, entry audit.Entry) (int64, bool, error)
}

// IdentityPort supplies the identity facts a mutation needs.
type IdentityPort interface {
	GetUser(ctx context.Context, userID int64) (grants.User, error)
	RoleGrants(ctx context.Context, userID int64) (grants.GrantSet, error)
}

// OutcomeRecorder counts mutation outcomes for observability.
type OutcomeRecorder interface {
	MutationOutcome(outcome string)
}

// Invalidator drops derived caches after a committed mutation.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Result is the outcome of a successful mutation.
type Result struct {
	Override     *overrides.Override
	AuditEntryID int64
	Previous     access.State
	Current      access.State
}

// Coordinator applies override mutations optimistically: it snapshots the
// visible state, applies the change to the view, commits through the
// store and rolls the view back on any failure. It never retries.
type Coordinator struct {
	store    OverrideStore
	identity IdentityPort
	catalog  *catalog.Catalog
	logger   *slog.Logger
	recorder OutcomeRecorder
	caches   Invalidator

	mu       sync.Mutex
	inflight map[Pair]struct{}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(store OverrideStore, identity IdentityPort, cat *catalog.Catalog, logger *slog.Logger, recorder OutcomeRecorder, caches Invalidator) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		identity: identity,
		catalog:  cat,
		logger:   logger,
		recorder: recorder,
		caches:   caches,
		inflight: make(map[Pair]struct{}),
	}
}

// SetOverride creates or replaces the override for the pair. The view
// sees the new value before the store confirms; on failure the view is
// restored to the pre-mutation snapshot and the error is returned as-is.
func (c *Coordinator) SetOverride(ctx context.Context, view View, pair Pair, action access.OverrideAction, reason string, actor shared.Actor) (Result, error) {
	if view == nil {
		view = nopView{}
	}
	if err := c.validate(pair, reason); err != nil {
		return Result{}, err
	}
	if !action.Valid() {
		return Result{}, shared.Validationf("unknown override action %q", action)
	}

	user, roleGrants, err := c.lookupUser(ctx, pair.UserID)
	if err != nil {
		return Result{}, err
	}
	if user.IsDirector {
		return Result{}, shared.Policyf("user %d is a director; overrides would never take effect", user.ID)
	}

	if !c.acquire(pair) {
		return Result{}, fmt.Errorf("pair %d/%s: %w", pair.UserID, pair.PermissionKey, shared.ErrMutationInProgress)
	}
	defer c.release(pair)

	snapshot, err := c.store.Get(ctx, pair.UserID, pair.PermissionKey)
	if err != nil {
		return Result{}, err
	}
	if seeder, ok := view.(interface{ Seed(*overrides.Override) }); ok {
		seeder.Seed(snapshot)
	}

	subject := access.Subject{ID: user.ID, IsActive: user.IsActive, IsDirector: user.IsDirector}
	prevState := access.Resolve(subject, resolverOverride(snapshot), roleGrants[pair.PermissionKey])
	newState := access.StateCustomGrant
	if action == access.ActionDeny {
		newState = access.StateCustomDeny
	}

	pending := overrides.Override{
		UserID:        pair.UserID,
		PermissionKey: pair.PermissionKey,
		Action:        action,
		Reason:        reason,
		GrantedBy:     actor.ID,
		GrantedByName: actorName(actor),
	}
	entry := audit.Entry{
		UserID:        pair.UserID,
		PermissionKey: pair.PermissionKey,
		PreviousState: prevState,
		NewState:      newState,
		ActorID:       actor.ID,
		ActorName:     actorName(actor),
		Reason:        reason,
	}

	view.Apply(pair, &pending)

	expectedVersion := int64(0)
	if snapshot != nil {
		expectedVersion = snapshot.Version
	}
	writeCtx, cancelWrite := detachCancel(ctx)
	defer cancelWrite()
	stored, auditID, err := c.store.Put(writeCtx, pending, expectedVersion, entry)
	if err != nil {
		view.Rollback(pair, snapshot)
		c.record("rolled_back")
		c.logger.Warn("override mutation rolled back",
			slog.Int64("user_id", pair.UserID),
			slog.String("permission_key", pair.PermissionKey),
			slog.String("kind", shared.ErrorKind(err)),
			slog.Any("error", err))
		return Result{}, err
	}
	view.Commit(pair, &stored)
	c.record("committed")
	c.bump(ctx)
	return Result{Override: &stored, AuditEntryID: auditID, Previous: prevState, Current: newState}, nil
}

// RemoveOverride deletes the override for the pair, reverting resolution
// to the role-derived result. Removing an absent override succeeds
// without producing an audit entry; if a concurrent writer committed an
// override after this caller observed the pair as absent, the removal
// fails with Conflict instead of destroying the winner's write.
func (c *Coordinator) RemoveOverride(ctx context.Context, view View, pair Pair, actor shared.Actor) (Result, error) {
	if view == nil {
		view = nopView{}
	}
	if err := c.validate(pair, ""); err != nil {
		return Result{}, err
	}

	user, roleGrants, err := c.lookupUser(ctx, pair.UserID)
	if err != nil {
		return Result{}, err
	}

	if !c.acquire(pair) {
		return Result{}, fmt.Errorf("pair %d/%s: %w", pair.UserID, pair.PermissionKey, shared.ErrMutationInProgress)
	}
	defer c.release(pair)

	snapshot, err := c.store.Get(ctx, pair.UserID, pair.PermissionKey)
	if err != nil {
		return Result{}, err
	}
	if seeder, ok := view.(interface{ Seed(*overrides.Override) }); ok {
		seeder.Seed(snapshot)
	}

	subject := access.Subject{ID: user.ID, IsActive: user.IsActive, IsDirector: user.IsDirector}
	prevState := access.Resolve(subject, resolverOverride(snapshot), roleGrants[pair.PermissionKey])
	newState := access.Resolve(subject, nil, roleGrants[pair.PermissionKey])
	entry := audit.Entry{
		UserID:        pair.UserID,
		PermissionKey: pair.PermissionKey,
		PreviousState: prevState,
		NewState:      newState,
		ActorID:       actor.ID,
		ActorName:     actorName(actor),
	}

	view.Apply(pair, nil)

	expectedVersion := int64(0)
	if snapshot != nil {
		expectedVersion = snapshot.Version
	}
	writeCtx, cancelWrite := detachCancel(ctx)
	defer cancelWrite()
	auditID, deleted, err := c.store.Delete(writeCtx, pair.UserID, pair.PermissionKey, expectedVersion, entry)
	if err != nil {
		view.Rollback(pair, snapshot)
		c.record("rolled_back")
		c.logger.Warn("override removal rolled back",
			slog.Int64("user_id", pair.UserID),
			slog.String("permission_key", pair.PermissionKey),
			slog.String("kind", shared.ErrorKind(err)),
			slog.Any("error", err))
		return Result{}, err
	}
	view.Commit(pair, nil)
	if deleted {
		c.record("committed")
		c.bump(ctx)
	}
	return Result{AuditEntryID: auditID, Previous: prevState, Current: newState}, nil
}

func (c *Coordinator) validate(pair Pair, reason string) error {
	if _, _, err := catalog.ParseKey(pair.PermissionKey); err != nil {
		return err
	}
	if c.catalog != nil && !c.catalog.Has(pair.PermissionKey) {
		return shared.Validationf("unknown permission %q", pair.PermissionKey)
	}
	if len(reason) > overrides.MaxReasonLength {
		return shared.Validationf("reason exceeds %d characters", overrides.MaxReasonLength)
	}
	return nil
}

func (c *Coordinator) lookupUser(ctx context.Context, userID int64) (grants.User, grants.GrantSet, error) {
	user, err := c.identity.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return grants.User{}, nil, shared.Validationf("unknown user %d", userID)
		}
		return grants.User{}, nil, fmt.Errorf("lookup user %d: %v: %w", userID, err, shared.ErrStoreUnavailable)
	}
	roleGrants, err := c.identity.RoleGrants(ctx, userID)
	if err != nil {
		return grants.User{}, nil, fmt.Errorf("role grants for user %d: %v: %w", userID, err, shared.ErrStoreUnavailable)
	}
	return user, roleGrants, nil
}

func (c *Coordinator) acquire(pair Pair) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[pair]; busy {
		return false
	}
	c.inflight[pair] = struct{}{}
	return true
}

func (c *Coordinator) release(pair Pair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, pair)
}

func (c *Coordinator) record(outcome string) {
	if c.recorder != nil {
		c.recorder.MutationOutcome(outcome)
	}
}

func (c *Coordinator) bump(ctx context.Context) {
	if c.caches == nil {
		return
	}
	bumpCtx, cancel := detachCancel(ctx)
	defer cancel()
	if err := c.caches.Bump(bumpCtx); err != nil {
		c.logger.Warn("bump snapshot cache", slog.Any("error", err))
	}
}

// detachCancel shields the store write from caller cancellation while
// keeping the caller's deadline. A canceled caller must not leave a
// half-applied write behind: the write either completes within the
// deadline or fails and is rolled back.
func detachCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return detached, func() {}
}

func resolverOverride(ov *overrides.Override) *access.Override {
	if ov == nil {
		return nil
	}
	return &access.Override{Action: ov.Action}
}

func cloneOverride(ov *overrides.Override) *overrides.Override {
	if ov == nil {
		return nil
	}
	clone := *ov
	return &clone
}

func actorName(actor shared.Actor) string {
	if actor.FullName != "" {
		return actor.FullName
	}
	return actor.Email
}
