// Package jwtverify validates compact JWS tokens against keys published by an
// identity provider: algorithm policy, signature, and claim policy.
package jwtverify

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/upb/tokengate/autherr"
)

// Header is the subset of the JOSE header the pipeline reads.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

type segments struct {
	header    string
	claims    string
	signature string
}

// signingInput is the byte string the signature covers.
func (s segments) signingInput() string {
	return s.header + "." + s.claims
}

// segmentParser only decodes base64url segments; it never validates.
var segmentParser = jwt.NewParser()

func splitToken(token string) (segments, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return segments{}, autherr.MalformedToken(fmt.Sprintf("token has %d segments, want 3", len(parts)), nil)
	}
	for i, part := range parts {
		if part == "" {
			return segments{}, autherr.MalformedToken(fmt.Sprintf("token segment %d is empty", i), nil)
		}
	}
	return segments{header: parts[0], claims: parts[1], signature: parts[2]}, nil
}

func decodeHeader(segment string) (*Header, error) {
	data, err := segmentParser.DecodeSegment(segment)
	if err != nil {
		return nil, autherr.MalformedToken("header is not base64url", err)
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, autherr.MalformedToken("header is not a JSON object", err)
	}
	return &header, nil
}

// ParseHeader splits token and decodes its header without verifying
// anything.
func ParseHeader(token string) (*Header, error) {
	segs, err := splitToken(token)
	if err != nil {
		return nil, err
	}
	return decodeHeader(segs.header)
}

// ExtractKeyID returns the kid from the token header. It fails with a
// MalformedTokenError when the token is not three non-empty segments, the
// header does not decode, or the header carries no kid.
func ExtractKeyID(token string) (string, error) {
	header, err := ParseHeader(token)
	if err != nil {
		return "", err
	}
	if header.Kid == "" {
		return "", autherr.MalformedToken("header has no kid", nil)
	}
	return header.Kid, nil
}
