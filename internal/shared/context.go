package shared

import "context"

// Actor identifies the administrator performing a mutation. Populated by
// the authentication boundary, read by handlers and the audit trail.
type Actor struct {
	ID       int64
	Email    string
	FullName string
}

type actorContextKey struct{}

// ContextWithActor stores the acting administrator in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting administrator from context. The
// second return is false when no actor was attached.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
