package shared

import "context"

type actorContextKey struct{}

// ContextWithActor stores the authenticated user id in context.
func ContextWithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, userID)
}

// ActorFromContext extracts the authenticated user id from context.
// Returns an empty string when no actor is present.
func ActorFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(actorContextKey{}).(string)
	return userID
}
