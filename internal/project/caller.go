package project

import "context"

type callerKeyContextKey struct{}

// WithCallerKey tags ctx with the id of the authenticated API key.
// Query rate limits are enforced per (caller key, project); requests
// without a key share one anonymous bucket.
func WithCallerKey(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, callerKeyContextKey{}, keyID)
}

// CallerKey returns the caller key id from ctx, empty when unset.
func CallerKey(ctx context.Context) string {
	if id, ok := ctx.Value(callerKeyContextKey{}).(string); ok {
		return id
	}
	return ""
}
