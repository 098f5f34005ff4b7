package jwtverify

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/internal/jwkstest"
	"github.com/upb/tokengate/jwks"
)

func TestValidate_ValidToken(t *testing.T) {
	signer := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, signer), "abc")
	exp := fixedNow.Add(3600 * time.Second).Unix()

	token := signer.Sign(t, jwt.MapClaims{
		"iss":   "https://issuer.example/",
		"sub":   "user1",
		"exp":   exp,
		"scope": "read:things",
		"ctx":   map[string]any{"tenant": "t-1"},
	})

	result, err := NewValidator(WithClock(fixedClock)).Validate(token, key, DefaultPolicy(testAuthority))
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, "abc", result.KeyID)
	assert.Equal(t, "RS256", result.Algorithm)
	assert.Equal(t, "user1", result.Subject())
	assert.Equal(t, "user1", result.Claims["sub"])
	assert.Equal(t, "https://issuer.example/", result.Claims["iss"])
	assert.Equal(t, json.Number(strconv.FormatInt(exp, 10)), result.Claims["exp"])
	assert.Equal(t, "read:things", result.Claims["scope"])
	assert.Equal(t, map[string]any{"tenant": "t-1"}, result.Claims["ctx"])
}

func TestValidate_ExpiredToken(t *testing.T) {
	signer := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, signer), "abc")

	token := signer.Sign(t, jwt.MapClaims{
		"iss": "https://issuer.example/",
		"sub": "user1",
		"exp": fixedNow.Add(-10 * time.Second).Unix(),
	})

	result, err := NewValidator(WithClock(fixedClock)).Validate(token, key, DefaultPolicy(testAuthority))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, autherr.ErrClaims)
	assert.Contains(t, err.Error(), "expired")
}

func TestValidate_KeyTypes(t *testing.T) {
	signers := []*jwkstest.SigningKey{
		jwkstest.NewRSAKey(t, "rsa"),
		jwkstest.NewECKey(t, "ec"),
		jwkstest.NewEd25519Key(t, "ed"),
		{Kid: "pss", Alg: "PS256", Private: jwkstest.NewRSAKey(t, "tmp").Private},
	}
	doc := documentFor(t, signers...)
	validator := NewValidator(WithClock(fixedClock))

	for _, signer := range signers {
		t.Run(signer.Alg, func(t *testing.T) {
			token := signer.Sign(t, validClaims(fixedNow))
			result, err := validator.Validate(token, selectKey(t, doc, signer.Kid), DefaultPolicy(testAuthority))
			require.NoError(t, err)
			assert.Equal(t, signer.Alg, result.Algorithm)
		})
	}
}

func TestValidate_AlgorithmPolicy(t *testing.T) {
	rsaSigner := jwkstest.NewRSAKey(t, "abc")
	ecSigner := jwkstest.NewECKey(t, "abc")
	doc := documentFor(t, rsaSigner)
	published := selectKey(t, doc, "abc")
	rsaPub := rsaSigner.Private.Public().(*rsa.PublicKey)
	ecPub := ecSigner.Private.Public().(*ecdsa.PublicKey)
	validator := NewValidator(WithClock(fixedClock))
	policy := DefaultPolicy(testAuthority)

	hmacWithPublicKey := func(t *testing.T) string {
		der, err := x509.MarshalPKIXPublicKey(rsaPub)
		require.NoError(t, err)
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(fixedNow))
		token.Header["kid"] = "abc"
		signed, err := token.SignedString(der)
		require.NoError(t, err)
		return signed
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
		key   *jwks.Key
	}{
		{
			name: "alg none",
			token: func(t *testing.T) string {
				return unsignedToken(t, map[string]any{"alg": "none", "kid": "abc"}, validClaims(fixedNow))
			},
			key: published,
		},
		{
			name:  "HS256 keyed with the public key",
			token: hmacWithPublicKey,
			key:   published,
		},
		{
			name: "PS256 token against key published for RS256",
			token: func(t *testing.T) string {
				pss := &jwkstest.SigningKey{Kid: "abc", Alg: "PS256", Private: rsaSigner.Private}
				return pss.Sign(t, validClaims(fixedNow))
			},
			key: published,
		},
		{
			name: "ES256 token against RSA key without declared alg",
			token: func(t *testing.T) string {
				return ecSigner.Sign(t, validClaims(fixedNow))
			},
			key: &jwks.Key{Kid: "abc", Kty: "RSA", PublicKey: rsaPub},
		},
		{
			name: "ES384 header against P-256 key",
			token: func(t *testing.T) string {
				return unsignedToken(t, map[string]any{"alg": "ES384", "kid": "abc"}, validClaims(fixedNow))
			},
			key: &jwks.Key{Kid: "abc", Kty: "EC", Crv: "P-256", PublicKey: ecPub},
		},
		{
			name: "missing alg",
			token: func(t *testing.T) string {
				return rsaSigner.SignWithHeader(t, validClaims(fixedNow), map[string]any{"alg": nil})
			},
			key: published,
		},
		{
			name: "encryption key",
			token: func(t *testing.T) string {
				return rsaSigner.Sign(t, validClaims(fixedNow))
			},
			key: &jwks.Key{Kid: "abc", Kty: "RSA", Use: "enc", PublicKey: rsaPub},
		},
		{
			name: "undecodable key material",
			token: func(t *testing.T) string {
				return rsaSigner.Sign(t, validClaims(fixedNow))
			},
			key: &jwks.Key{Kid: "abc", Kty: "RSA", DecodeErr: errors.New("bad modulus")},
		},
		{
			name: "no key",
			token: func(t *testing.T) string {
				return rsaSigner.Sign(t, validClaims(fixedNow))
			},
			key: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := validator.Validate(tt.token(t), tt.key, policy)
			assert.Nil(t, result)
			assert.ErrorIs(t, err, autherr.ErrSignature)
		})
	}
}

func TestValidate_SignatureMismatch(t *testing.T) {
	published := jwkstest.NewRSAKey(t, "abc")
	impostor := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, published), "abc")
	validator := NewValidator(WithClock(fixedClock))

	t.Run("signed by another key", func(t *testing.T) {
		_, err := validator.Validate(impostor.Sign(t, validClaims(fixedNow)), key, DefaultPolicy(testAuthority))
		assert.ErrorIs(t, err, autherr.ErrSignature)
	})

	t.Run("claims tampered after signing", func(t *testing.T) {
		token := published.Sign(t, validClaims(fixedNow))
		tampered := jwt.MapClaims{"iss": testAuthority, "sub": "admin", "exp": fixedNow.Add(time.Hour).Unix()}
		segs, err := splitToken(token)
		require.NoError(t, err)

		forged := segs.header + "." + segment(t, tampered) + "." + segs.signature
		_, err = validator.Validate(forged, key, DefaultPolicy(testAuthority))
		assert.ErrorIs(t, err, autherr.ErrSignature)
	})

	t.Run("signature not base64url", func(t *testing.T) {
		token := published.Sign(t, validClaims(fixedNow))
		segs, err := splitToken(token)
		require.NoError(t, err)

		_, err = validator.Validate(segs.header+"."+segs.claims+".***", key, DefaultPolicy(testAuthority))
		assert.ErrorIs(t, err, autherr.ErrSignature)
	})
}

func TestValidate_MalformedClaims(t *testing.T) {
	signer := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, signer), "abc")
	validator := NewValidator(WithClock(fixedClock))
	header := `{"alg":"RS256","kid":"abc","typ":"JWT"}`

	for name, claims := range map[string]string{
		"not json":       `user1`,
		"array":          `["user1"]`,
		"null":           `null`,
		"trailing data":  `{"sub":"user1"}{"sub":"admin"}`,
		"truncated":      `{"sub":"user1"`,
		"string literal": `"claims"`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := validator.Validate(signRaw(t, signer, header, claims), key, DefaultPolicy(testAuthority))
			assert.ErrorIs(t, err, autherr.ErrParse)
		})
	}
}

func TestValidate_ClaimsPolicy(t *testing.T) {
	signer := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, signer), "abc")
	validator := NewValidator(WithClock(fixedClock))
	future := fixedNow.Add(time.Hour).Unix()

	withAudience := func(aud string) Policy {
		p := DefaultPolicy(testAuthority)
		p.Audience = aud
		return p
	}

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		policy  Policy
		wantErr bool
	}{
		{
			name:    "issuer without trailing slash",
			claims:  jwt.MapClaims{"iss": "https://issuer.example", "sub": "u", "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "issuer differs in case",
			claims:  jwt.MapClaims{"iss": "https://ISSUER.example/", "sub": "u", "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "issuer missing",
			claims:  jwt.MapClaims{"sub": "u", "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "issuer not a string",
			claims:  jwt.MapClaims{"iss": 42, "sub": "u", "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "issuer unchecked when policy issuer empty",
			claims:  jwt.MapClaims{"iss": "https://other.example/", "sub": "u", "exp": future},
			policy:  Policy{SubjectRequired: true, ExpiryRequired: true},
			wantErr: false,
		},
		{
			name:    "expiry equal to now",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": fixedNow.Unix()},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "expiry one second ahead",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": fixedNow.Unix() + 1},
			policy:  DefaultPolicy(testAuthority),
			wantErr: false,
		},
		{
			name:    "expired within configured leeway",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": fixedNow.Unix() - 10},
			policy:  Policy{Issuer: testAuthority, ExpiryRequired: true, Leeway: 30 * time.Second},
			wantErr: false,
		},
		{
			name:    "expiry missing",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u"},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "expiry missing but not required",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u"},
			policy:  Policy{Issuer: testAuthority, SubjectRequired: true},
			wantErr: false,
		},
		{
			name:    "expiry as string",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": strconv.FormatInt(future, 10)},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "subject missing",
			claims:  jwt.MapClaims{"iss": testAuthority, "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "subject empty",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "", "exp": future},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "subject not required",
			claims:  jwt.MapClaims{"iss": testAuthority, "exp": future},
			policy:  Policy{Issuer: testAuthority, ExpiryRequired: true},
			wantErr: false,
		},
		{
			name:    "audience string match",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "aud": "api://things"},
			policy:  withAudience("api://things"),
			wantErr: false,
		},
		{
			name:    "audience array match",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "aud": []string{"other", "api://things"}},
			policy:  withAudience("api://things"),
			wantErr: false,
		},
		{
			name:    "audience mismatch",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "aud": "api://things/"},
			policy:  withAudience("api://things"),
			wantErr: true,
		},
		{
			name:    "audience missing",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future},
			policy:  withAudience("api://things"),
			wantErr: true,
		},
		{
			name:    "audience malformed",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "aud": 12},
			policy:  withAudience("api://things"),
			wantErr: true,
		},
		{
			name:    "not before in the future",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "nbf": fixedNow.Unix() + 60},
			policy:  DefaultPolicy(testAuthority),
			wantErr: true,
		},
		{
			name:    "not before in the past",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "nbf": fixedNow.Unix() - 60},
			policy:  DefaultPolicy(testAuthority),
			wantErr: false,
		},
		{
			name:    "not before ignored when disabled",
			claims:  jwt.MapClaims{"iss": testAuthority, "sub": "u", "exp": future, "nbf": fixedNow.Unix() + 60},
			policy:  Policy{Issuer: testAuthority, SubjectRequired: true, ExpiryRequired: true},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := validator.Validate(signer.Sign(t, tt.claims), key, tt.policy)
			if tt.wantErr {
				assert.Nil(t, result)
				assert.ErrorIs(t, err, autherr.ErrClaims)
				return
			}
			require.NoError(t, err)
			assert.True(t, result.Verified)
		})
	}
}

func TestValidate_SignatureCheckedBeforeClaims(t *testing.T) {
	published := jwkstest.NewRSAKey(t, "abc")
	impostor := jwkstest.NewRSAKey(t, "abc")
	key := selectKey(t, documentFor(t, published), "abc")

	expiredAndForged := impostor.Sign(t, jwt.MapClaims{"iss": "evil", "exp": fixedNow.Add(-time.Hour).Unix()})

	_, err := NewValidator(WithClock(fixedClock)).Validate(expiredAndForged, key, DefaultPolicy(testAuthority))
	assert.ErrorIs(t, err, autherr.ErrSignature)
}
