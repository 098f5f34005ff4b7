package jwtverify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/jwks"
)

// Claims is the decoded claims object. Numbers are kept as json.Number so
// the claims come back exactly as the token carried them.
type Claims = jwt.MapClaims

// Policy lists the claim checks Validate enforces.
type Policy struct {
	// Issuer, when set, must equal the "iss" claim byte for byte.
	Issuer string
	// SubjectRequired demands a non-empty "sub" claim.
	SubjectRequired bool
	// ExpiryRequired demands an "exp" claim strictly in the future.
	ExpiryRequired bool
	// Audience, when set, must appear in the "aud" claim.
	Audience string
	// Leeway is the grace window for exp and nbf. Zero means none.
	Leeway time.Duration
	// CheckNotBefore rejects tokens whose "nbf" lies in the future.
	CheckNotBefore bool
}

// DefaultPolicy requires issuer, subject and unexpired tokens.
func DefaultPolicy(issuer string) Policy {
	return Policy{
		Issuer:          issuer,
		SubjectRequired: true,
		ExpiryRequired:  true,
		CheckNotBefore:  true,
	}
}

// ValidatedToken is the result of a successful validation.
type ValidatedToken struct {
	Claims    Claims
	Verified  bool
	KeyID     string
	Algorithm string
}

// Subject returns the "sub" claim.
func (t *ValidatedToken) Subject() string {
	sub, _ := t.Claims.GetSubject()
	return sub
}

// keyFamily is the key type (and EC curve) an algorithm needs.
type keyFamily struct {
	kty string
	crv string
}

// acceptedAlgorithms excludes "none" and every HMAC algorithm: a public key
// must never be usable as a shared secret.
var acceptedAlgorithms = map[string]keyFamily{
	"RS256": {kty: "RSA"},
	"RS384": {kty: "RSA"},
	"RS512": {kty: "RSA"},
	"PS256": {kty: "RSA"},
	"PS384": {kty: "RSA"},
	"PS512": {kty: "RSA"},
	"ES256": {kty: "EC", crv: "P-256"},
	"ES384": {kty: "EC", crv: "P-384"},
	"ES512": {kty: "EC", crv: "P-521"},
	"EdDSA": {kty: "OKP"},
}

// Validator checks a token against one key and a Policy. It holds no state
// besides its clock and is safe for concurrent use.
type Validator struct {
	now func() time.Time
}

// ValidatorOption configures a Validator
type ValidatorOption func(*Validator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies token with key and enforces policy. Steps run in order
// and the first failure is returned:
//  1. header alg is accepted and fits the key (SignatureError)
//  2. signature verifies (SignatureError)
//  3. claims decode to a JSON object (ParseError)
//  4. issuer, expiry, subject, audience, not-before (ClaimsError)
func (v *Validator) Validate(token string, key *jwks.Key, policy Policy) (*ValidatedToken, error) {
	segs, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	header, err := decodeHeader(segs.header)
	if err != nil {
		return nil, err
	}

	method, err := checkAlgorithm(header.Alg, key)
	if err != nil {
		return nil, err
	}

	signature, err := segmentParser.DecodeSegment(segs.signature)
	if err != nil {
		return nil, autherr.Signature("signature is not base64url", err)
	}
	if err := method.Verify(segs.signingInput(), signature, key.PublicKey); err != nil {
		return nil, autherr.Signature("signature mismatch", err)
	}

	claims, err := decodeClaims(segs.claims)
	if err != nil {
		return nil, err
	}

	if err := v.checkClaims(claims, policy); err != nil {
		return nil, err
	}

	return &ValidatedToken{
		Claims:    claims,
		Verified:  true,
		KeyID:     key.Kid,
		Algorithm: header.Alg,
	}, nil
}

func checkAlgorithm(alg string, key *jwks.Key) (jwt.SigningMethod, error) {
	if key == nil {
		return nil, autherr.Signature("no key to verify with", nil)
	}
	family, ok := acceptedAlgorithms[alg]
	if !ok {
		return nil, autherr.Signature(fmt.Sprintf("algorithm %q is not accepted", alg), nil)
	}
	if key.Alg != "" && key.Alg != alg {
		return nil, autherr.Signature(fmt.Sprintf("token algorithm %q does not match key algorithm %q", alg, key.Alg), nil)
	}
	if key.Use != "" && key.Use != "sig" {
		return nil, autherr.Signature(fmt.Sprintf("key %q is not a signing key", key.Kid), nil)
	}
	if !key.Usable() {
		return nil, autherr.Signature(fmt.Sprintf("key %q has unusable key material", key.Kid), key.DecodeErr)
	}

	var kty, crv string
	switch pub := key.PublicKey.(type) {
	case *rsa.PublicKey:
		kty = "RSA"
	case *ecdsa.PublicKey:
		kty, crv = "EC", pub.Curve.Params().Name
	case ed25519.PublicKey:
		kty = "OKP"
	default:
		return nil, autherr.Signature(fmt.Sprintf("unsupported key type %T", pub), nil)
	}
	if kty != family.kty || crv != family.crv {
		return nil, autherr.Signature(fmt.Sprintf("algorithm %q cannot be used with key type %s%s", alg, kty, curveSuffix(crv)), nil)
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, autherr.Signature(fmt.Sprintf("algorithm %q is not available", alg), nil)
	}
	return method, nil
}

func curveSuffix(crv string) string {
	if crv == "" {
		return ""
	}
	return "/" + crv
}

func decodeClaims(segment string) (Claims, error) {
	data, err := segmentParser.DecodeSegment(segment)
	if err != nil {
		return nil, autherr.Parse("claims segment is not base64url", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, autherr.Parse("claims are not a JSON object", err)
	}
	if claims == nil {
		return nil, autherr.Parse("claims are not a JSON object", nil)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, autherr.Parse("trailing data after claims", err)
	}
	return Claims(claims), nil
}

func (v *Validator) checkClaims(claims Claims, policy Policy) error {
	now := v.now()

	if policy.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil {
			return autherr.Claims("iss claim is not a string")
		}
		if iss != policy.Issuer {
			return autherr.Claims(fmt.Sprintf("issuer %q does not match %q", iss, policy.Issuer))
		}
	}

	if policy.ExpiryRequired {
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return autherr.Claims("token has no valid exp claim")
		}
		if !exp.Time.Add(policy.Leeway).After(now) {
			return autherr.Claims(fmt.Sprintf("token expired at %s", exp.Time.UTC().Format(time.RFC3339)))
		}
	}

	if policy.SubjectRequired {
		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			return autherr.Claims("token has no subject")
		}
	}

	if policy.Audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return autherr.Claims("aud claim is malformed")
		}
		if !containsAudience(aud, policy.Audience) {
			return autherr.Claims(fmt.Sprintf("audience %q not granted", policy.Audience))
		}
	}

	if policy.CheckNotBefore {
		nbf, err := claims.GetNotBefore()
		if err != nil {
			return autherr.Claims("nbf claim is malformed")
		}
		if nbf != nil && nbf.Time.After(now.Add(policy.Leeway)) {
			return autherr.Claims("token is not valid yet")
		}
	}

	return nil
}

// containsAudience checks if the audience list contains the expected value
func containsAudience(audiences jwt.ClaimStrings, expected string) bool {
	for _, aud := range audiences {
		if aud == expected {
			return true
		}
	}
	return false
}
