package auth

import (
	"context"

	"ekehi.network/internal/access"
)

type callerContextKey struct{}
type sessionContextKey struct{}

// ContextWithCaller attaches the authenticated caller to the context.
func ContextWithCaller(ctx context.Context, caller access.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the authenticated caller from the context.
func CallerFromContext(ctx context.Context) (access.Caller, bool) {
	if ctx == nil {
		return access.Caller{}, false
	}
	v, ok := ctx.Value(callerContextKey{}).(access.Caller)
	if !ok || v.ID == "" {
		return access.Caller{}, false
	}
	return v, true
}

// ContextWithSession stores the raw session id the caller authenticated with.
func ContextWithSession(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, id)
}

// SessionFromContext returns the session id if the caller used one.
func SessionFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(sessionContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
