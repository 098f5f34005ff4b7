// Package middleware decides, per request, whether the caller presented a
// valid bearer token, and exposes the verified claims to handlers.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/internal/observability"
	"github.com/upb/tokengate/jwtverify"
	"github.com/upb/tokengate/utils"
)

// Verifier defines the interface for verifying bearer tokens
type Verifier interface {
	// Verify validates a compact JWT and returns its claims
	Verify(ctx context.Context, token string) (*jwtverify.ValidatedToken, error)
}

// Status is the result of checking one request
type Status string

const (
	// StatusAnonymous means no usable bearer credential was presented
	StatusAnonymous Status = "anonymous"
	// StatusAuthenticated means the token verified
	StatusAuthenticated Status = "authenticated"
	// StatusFailed means a bearer token was presented and rejected
	StatusFailed Status = "failed"
)

// Outcome is what the gate decided for a request. Err is for logs and
// metrics only and must never reach the caller.
type Outcome struct {
	Status Status
	Claims jwtverify.Claims
	Err    error
}

// Authenticated reports whether the outcome carries verified claims
func (o Outcome) Authenticated() bool {
	return o.Status == StatusAuthenticated
}

// Gate authenticates requests against a Verifier
type Gate struct {
	verifier Verifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewGate creates a new Gate. metrics may be nil.
func NewGate(verifier Verifier, logger *zap.Logger, metrics *observability.Metrics) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		verifier: verifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// BearerToken extracts the token from an Authorization header value. The
// value must split on whitespace into exactly two fields, the first being
// the literal "Bearer".
func BearerToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) != 2 || fields[0] != "Bearer" {
		return "", false
	}
	return fields[1], true
}

// Check runs the gate for r. It never panics and never returns an error:
// every failure collapses into StatusFailed.
func (g *Gate) Check(r *http.Request) Outcome {
	ctx := r.Context()
	requestID := GetRequestIDFromContext(ctx)
	start := time.Now()

	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		g.metrics.RecordValidation(observability.OutcomeAnonymous, time.Since(start))
		return Outcome{Status: StatusAnonymous}
	}

	result, err := g.verify(ctx, token)
	if err != nil {
		kind := autherr.KindOf(err)
		g.metrics.RecordValidation(string(kind), time.Since(start))
		g.logger.Info("token rejected",
			zap.String("request_id", requestID),
			zap.String("error_kind", string(kind)),
			zap.Error(err))
		return Outcome{Status: StatusFailed, Err: err}
	}

	g.metrics.RecordValidation(observability.OutcomeAuthenticated, time.Since(start))
	g.logger.Debug("authentication successful",
		zap.String("request_id", requestID),
		zap.String("kid", result.KeyID),
		zap.String("sub", result.Subject()))

	return Outcome{Status: StatusAuthenticated, Claims: result.Claims}
}

// Authenticate returns the verified claims, or false for anonymous and
// rejected requests alike.
func (g *Gate) Authenticate(r *http.Request) (jwtverify.Claims, bool) {
	outcome := g.Check(r)
	if !outcome.Authenticated() {
		return nil, false
	}
	return outcome.Claims, true
}

// Attach checks every request and stores the outcome in the context without
// ever rejecting. Handlers decide what an unauthenticated request gets.
func (g *Gate) Attach(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome := g.Check(r)
		ctx := WithOutcome(r.Context(), outcome)
		if outcome.Authenticated() {
			ctx = WithClaims(ctx, outcome.Claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth is a middleware that rejects requests without a valid token
// with 401. An outcome already stored by Attach is reused.
func (g *Gate) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		outcome, ok := GetOutcomeFromContext(ctx)
		if !ok {
			outcome = g.Check(r)
			ctx = WithOutcome(ctx, outcome)
		}

		if !outcome.Authenticated() {
			_ = utils.WriteUnauthorized(w, "Invalid or missing token")
			return
		}

		ctx = WithClaims(ctx, outcome.Claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gate) verify(ctx context.Context, token string) (result *jwtverify.ValidatedToken, err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("panic during token verification",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.Any("panic", p))
			result, err = nil, autherr.New(autherr.KindUnknown, "verification panicked", fmt.Errorf("%v", p))
		}
	}()

	result, err = g.verifier.Verify(ctx, token)
	if err == nil && result == nil {
		err = autherr.New(autherr.KindUnknown, "verifier returned no result", nil)
	}
	return result, err
}
