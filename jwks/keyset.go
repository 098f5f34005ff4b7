// Package jwks retrieves, parses, caches and searches the JSON Web Key Set
// an identity provider publishes at /.well-known/jwks.json.
package jwks

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/upb/tokengate/autherr"
)

// Document is a parsed key set. It is immutable once returned by
// ParseDocument and may be shared between goroutines.
type Document struct {
	Keys []Key
}

// Key is one entry of a key set
type Key struct {
	Kid string
	Kty string
	Alg string
	Use string
	Crv string

	// PublicKey is *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
	// Nil when the entry's key material could not be decoded; DecodeErr
	// then says why.
	PublicKey crypto.PublicKey
	DecodeErr error
}

// Usable reports whether the key carries decoded public key material.
func (k *Key) Usable() bool {
	return k.PublicKey != nil && k.DecodeErr == nil
}

// rawDocument keeps each key as raw JSON so go-jose can decode the material
// while unsupported entries stay in the document.
type rawDocument struct {
	Keys *[]json.RawMessage `json:"keys"`
}

type keyMetadata struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Crv string `json:"crv"`
}

// ParseDocument parses a key-set document. It fails with a ParseError when
// data is not JSON, has no "keys" array, contains a non-object entry or an
// entry without "kty", or repeats a kid. Entries whose material cannot be
// decoded are kept with DecodeErr set.
func ParseDocument(data []byte) (*Document, error) {
	var raw rawDocument
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, autherr.Parse("key set is not valid JSON", err)
	}
	if raw.Keys == nil {
		return nil, autherr.Parse(`key set has no "keys" array`, nil)
	}

	entries := *raw.Keys
	doc := &Document{Keys: make([]Key, 0, len(entries))}
	seen := make(map[string]struct{}, len(entries))

	for i, entry := range entries {
		var meta keyMetadata
		if err := json.Unmarshal(entry, &meta); err != nil {
			return nil, autherr.Parse(fmt.Sprintf("key %d is not a JSON object", i), err)
		}
		if meta.Kty == "" {
			return nil, autherr.Parse(fmt.Sprintf("key %d has no kty", i), nil)
		}
		if meta.Kid != "" {
			if _, dup := seen[meta.Kid]; dup {
				return nil, autherr.Parse(fmt.Sprintf("duplicate kid %q", meta.Kid), nil)
			}
			seen[meta.Kid] = struct{}{}
		}

		key := Key{
			Kid: meta.Kid,
			Kty: meta.Kty,
			Alg: meta.Alg,
			Use: meta.Use,
			Crv: meta.Crv,
		}
		key.PublicKey, key.DecodeErr = decodePublicKey(entry)
		doc.Keys = append(doc.Keys, key)
	}

	return doc, nil
}

// decodePublicKey converts one JWK into a crypto public key. Private members
// of a published key are dropped.
func decodePublicKey(entry json.RawMessage) (crypto.PublicKey, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(entry); err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	if !jwk.Valid() {
		return nil, errors.New("invalid key material")
	}
	if _, symmetric := jwk.Key.([]byte); symmetric {
		return nil, errors.New("symmetric keys are not accepted")
	}

	pub := jwk.Public()
	if pub.Key == nil {
		return nil, errors.New("key has no public half")
	}
	return pub.Key, nil
}

// Select returns the key whose kid equals kid exactly. There is no fallback
// to the first key. The returned key belongs to doc and must not be modified.
func Select(doc *Document, kid string) (*Key, error) {
	if doc == nil || kid == "" {
		return nil, autherr.KeyNotFound(kid)
	}
	for i := range doc.Keys {
		if doc.Keys[i].Kid == kid {
			return &doc.Keys[i], nil
		}
	}
	return nil, autherr.KeyNotFound(kid)
}
