package middleware

import (
	"context"

	"github.com/upb/tokengate/jwtverify"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// ClaimsKey is the context key for verified claims
	ClaimsKey contextKey = "claims"

	// OutcomeKey is the context key for the gate outcome
	OutcomeKey contextKey = "auth_outcome"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetClaimsFromContext retrieves verified claims from context. It returns
// nil for anonymous or rejected requests.
func GetClaimsFromContext(ctx context.Context) jwtverify.Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(jwtverify.Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds verified claims to the context
func WithClaims(ctx context.Context, claims jwtverify.Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetOutcomeFromContext retrieves the outcome stored by Gate.Attach
func GetOutcomeFromContext(ctx context.Context) (Outcome, bool) {
	outcome, ok := ctx.Value(OutcomeKey).(Outcome)
	return outcome, ok
}

// WithOutcome adds a gate outcome to the context
func WithOutcome(ctx context.Context, outcome Outcome) context.Context {
	return context.WithValue(ctx, OutcomeKey, outcome)
}
