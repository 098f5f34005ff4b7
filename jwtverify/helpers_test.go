package jwtverify

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/upb/tokengate/internal/jwkstest"
	"github.com/upb/tokengate/jwks"
)

const testAuthority = "https://issuer.example/"

var fixedNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return fixedNow }

func segment(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}

// unsignedToken builds a token whose signature segment is junk.
func unsignedToken(t *testing.T, header map[string]any, claims map[string]any) string {
	t.Helper()
	return segment(t, header) + "." + segment(t, claims) + "." + base64.RawURLEncoding.EncodeToString([]byte("junk"))
}

// signRaw signs arbitrary header and claims bytes with an RS256 key, so tests
// can produce correctly signed tokens with malformed claims.
func signRaw(t *testing.T, key *jwkstest.SigningKey, header string, claims string) string {
	t.Helper()
	input := base64.RawURLEncoding.EncodeToString([]byte(header)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(claims))
	sig, err := jwt.SigningMethodRS256.Sign(input, key.Private.(*rsa.PrivateKey))
	require.NoError(t, err)
	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": testAuthority,
		"sub": "user1",
		"exp": now.Add(time.Hour).Unix(),
	}
}

func documentFor(t *testing.T, keys ...*jwkstest.SigningKey) *jwks.Document {
	t.Helper()
	doc, err := jwks.ParseDocument(jwkstest.KeySetJSON(t, keys...))
	require.NoError(t, err)
	return doc
}

func selectKey(t *testing.T, doc *jwks.Document, kid string) *jwks.Key {
	t.Helper()
	key, err := jwks.Select(doc, kid)
	require.NoError(t, err)
	return key
}
