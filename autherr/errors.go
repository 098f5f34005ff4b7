// Package autherr defines the failure taxonomy of the token verification
// pipeline. Every failure carries a Kind so that logs and metrics can tell
// causes apart, while the HTTP boundary collapses them into one opaque
// "authentication failed" outcome.
package autherr

import (
	"errors"
	"fmt"
)

// Kind represents the category of a verification failure
type Kind string

const (
	KindNetwork        Kind = "network"
	KindParse          Kind = "parse"
	KindMalformedToken Kind = "malformed_token"
	KindKeyNotFound    Kind = "key_not_found"
	KindSignature      Kind = "signature"
	KindClaims         Kind = "claims"
	KindUnknown        Kind = "unknown"
)

// Error is a verification failure tagged with its Kind
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a new tagged error
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Sentinels for errors.Is checks.
var (
	// ErrNetwork: key-set fetch transport failure or non-2xx status
	ErrNetwork = New(KindNetwork, "key set fetch failed", nil)

	// ErrParse: malformed key-set document or malformed claims
	ErrParse = New(KindParse, "malformed document", nil)

	// ErrMalformedToken: not three segments, undecodable header, or no kid
	ErrMalformedToken = New(KindMalformedToken, "malformed token", nil)

	// ErrKeyNotFound: kid absent from the fetched key set
	ErrKeyNotFound = New(KindKeyNotFound, "key not found", nil)

	// ErrSignature: signature or algorithm mismatch
	ErrSignature = New(KindSignature, "signature verification failed", nil)

	// ErrClaims: issuer, expiry, subject or audience check failed
	ErrClaims = New(KindClaims, "claims rejected", nil)
)

// Network creates a NetworkError
func Network(message string, err error) *Error { return New(KindNetwork, message, err) }

// Parse creates a ParseError
func Parse(message string, err error) *Error { return New(KindParse, message, err) }

// MalformedToken creates a MalformedTokenError
func MalformedToken(message string, err error) *Error {
	return New(KindMalformedToken, message, err)
}

// KeyNotFound creates a KeyNotFoundError for kid
func KeyNotFound(kid string) *Error {
	return New(KindKeyNotFound, fmt.Sprintf("no key with kid %q", kid), nil)
}

// Signature creates a SignatureError
func Signature(message string, err error) *Error { return New(KindSignature, message, err) }

// Claims creates a ClaimsError
func Claims(message string) *Error { return New(KindClaims, message, nil) }

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
