package jwtverify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/jwks"
)

// Refresher is implemented by fetchers that can bypass their cache, such as
// *jwks.Cache. The verifier uses it once when a token names an unknown kid.
type Refresher interface {
	Refresh(ctx context.Context, baseURL string) (*jwks.Document, error)
}

// Verifier runs the whole pipeline for one identity provider: kid
// extraction, key-set retrieval, key selection and validation.
type Verifier struct {
	authority string
	fetcher   jwks.Fetcher
	validator *Validator
	policy    Policy
	logger    *zap.Logger
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithValidator replaces the default Validator.
func WithValidator(v *Validator) VerifierOption {
	return func(vf *Verifier) {
		vf.validator = v
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger *zap.Logger) VerifierOption {
	return func(vf *Verifier) {
		vf.logger = logger
	}
}

// NewVerifier creates a Verifier for the provider at authority. The key set
// is fetched from {authority}/.well-known/jwks.json through fetcher.
func NewVerifier(authority string, fetcher jwks.Fetcher, policy Policy, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		authority: authority,
		fetcher:   fetcher,
		validator: NewValidator(),
		policy:    policy,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Authority returns the provider base URL.
func (v *Verifier) Authority() string {
	return v.authority
}

// Policy returns the claim policy in force.
func (v *Verifier) Policy() Policy {
	return v.policy
}

// Verify validates token and returns its claims. Every failure is an
// *autherr.Error.
func (v *Verifier) Verify(ctx context.Context, token string) (*ValidatedToken, error) {
	kid, err := ExtractKeyID(token)
	if err != nil {
		return nil, err
	}

	doc, err := v.fetcher.Fetch(ctx, v.authority)
	if err != nil {
		return nil, err
	}

	key, err := jwks.Select(doc, kid)
	if errors.Is(err, autherr.ErrKeyNotFound) {
		key, err = v.selectAfterRefresh(ctx, kid, err)
	}
	if err != nil {
		return nil, err
	}

	return v.validator.Validate(token, key, v.policy)
}

// selectAfterRefresh gives a rotated-in key one chance to appear.
func (v *Verifier) selectAfterRefresh(ctx context.Context, kid string, notFound error) (*jwks.Key, error) {
	refresher, ok := v.fetcher.(Refresher)
	if !ok {
		return nil, notFound
	}

	doc, err := refresher.Refresh(ctx, v.authority)
	if err != nil {
		v.logger.Debug("key set refresh for unknown kid failed",
			zap.String("kid", kid),
			zap.Error(err))
		return nil, notFound
	}
	return jwks.Select(doc, kid)
}
