// Package jwkstest runs a fake identity provider for tests: it publishes a
// key set at /.well-known/jwks.json and signs tokens with the matching
// private keys.
package jwkstest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

// SigningKey is a private key plus the kid and alg it is published under.
type SigningKey struct {
	Kid     string
	Alg     string
	Private crypto.Signer
}

// NewRSAKey generates a 2048-bit RS256 key.
func NewRSAKey(t testing.TB, kid string) *SigningKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &SigningKey{Kid: kid, Alg: "RS256", Private: priv}
}

// NewECKey generates a P-256 ES256 key.
func NewECKey(t testing.TB, kid string) *SigningKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &SigningKey{Kid: kid, Alg: "ES256", Private: priv}
}

// NewEd25519Key generates an EdDSA key.
func NewEd25519Key(t testing.TB, kid string) *SigningKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &SigningKey{Kid: kid, Alg: "EdDSA", Private: priv}
}

// Sign returns a compact token for claims with the key's kid and alg in the
// header.
func (k *SigningKey) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return k.SignWithHeader(t, claims, nil)
}

// SignWithHeader is Sign with extra or overriding header fields. A nil
// value deletes the field.
func (k *SigningKey) SignWithHeader(t testing.TB, claims jwt.MapClaims, header map[string]any) string {
	t.Helper()
	method := jwt.GetSigningMethod(k.Alg)
	require.NotNil(t, method, "unknown alg %s", k.Alg)

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = k.Kid
	for name, v := range header {
		if v == nil {
			delete(token.Header, name)
			continue
		}
		token.Header[name] = v
	}

	signed, err := token.SignedString(k.Private)
	require.NoError(t, err)
	return signed
}

// PublicJWK converts the key's public half into a jwx key with kid, alg and
// use set.
func (k *SigningKey) PublicJWK(t testing.TB) jwk.Key {
	t.Helper()
	key, err := k.publicJWK()
	require.NoError(t, err)
	return key
}

func (k *SigningKey) publicJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(k.Private.Public())
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, k.Kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, k.Alg); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	return key, nil
}

// KeySetJSON renders the public halves of keys as a key-set document.
func KeySetJSON(t testing.TB, keys ...*SigningKey) []byte {
	t.Helper()
	data, err := keySetJSON(keys)
	require.NoError(t, err)
	return data
}

func keySetJSON(keys []*SigningKey) ([]byte, error) {
	set := jwk.NewSet()
	for _, k := range keys {
		key, err := k.publicJWK()
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

// Issuer is an httptest server publishing a mutable key set.
type Issuer struct {
	Server *httptest.Server

	mu     sync.Mutex
	keys   []*SigningKey
	status int
	body   []byte

	requests atomic.Int64
}

// NewIssuer starts an issuer publishing keys. The server is closed when the
// test ends.
func NewIssuer(t testing.TB, keys ...*SigningKey) *Issuer {
	t.Helper()
	iss := &Issuer{keys: keys}
	iss.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		iss.requests.Add(1)
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}

		iss.mu.Lock()
		status, body, published := iss.status, iss.body, append([]*SigningKey(nil), iss.keys...)
		iss.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if body == nil {
			var err error
			if body, err = keySetJSON(published); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(iss.Server.Close)
	return iss
}

// URL returns the issuer base URL with a trailing slash, the form identity
// providers such as Auth0 use as their "iss" value.
func (i *Issuer) URL() string {
	return i.Server.URL + "/"
}

// Requests returns how many HTTP requests the issuer has served.
func (i *Issuer) Requests() int64 {
	return i.requests.Load()
}

// SetKeys replaces the published keys, simulating rotation.
func (i *Issuer) SetKeys(keys ...*SigningKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = keys
}

// FailWith makes the issuer answer every request with status; 0 restores
// normal behaviour.
func (i *Issuer) FailWith(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = status
}

// ServeBody makes the issuer answer with a fixed body; nil restores normal
// behaviour.
func (i *Issuer) ServeBody(body []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.body = body
}
