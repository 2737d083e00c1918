package pki

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
)

// Authorizer decides whether a parsed request may be issued. It is consulted
// before a serial number is allocated, so a denial consumes nothing.
type Authorizer interface {
	IsAuthorized(ctx context.Context, req *Request) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, req *Request) (bool, error)

func (f AuthorizerFunc) IsAuthorized(ctx context.Context, req *Request) (bool, error) {
	return f(ctx, req)
}

// AllowAll admits every well-formed request.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, *Request) (bool, error) { return true, nil })
}

// DenyAll rejects every request.
func DenyAll() Authorizer {
	return AuthorizerFunc(func(context.Context, *Request) (bool, error) { return false, nil })
}

// ChallengePasswordAuthorizer admits requests whose challengePassword
// attribute equals a shared secret.
type ChallengePasswordAuthorizer struct {
	digest [sha256.Size]byte
}

// NewChallengePasswordAuthorizer returns an authorizer for secret. An empty
// secret matches nothing.
func NewChallengePasswordAuthorizer(secret string) *ChallengePasswordAuthorizer {
	a := &ChallengePasswordAuthorizer{}
	if secret != "" {
		a.digest = sha256.Sum256([]byte(secret))
	}
	return a
}

func (a *ChallengePasswordAuthorizer) IsAuthorized(_ context.Context, req *Request) (bool, error) {
	if req.ChallengePassword == "" || a.digest == [sha256.Size]byte{} {
		return false, nil
	}
	got := sha256.Sum256([]byte(req.ChallengePassword))
	return subtle.ConstantTimeCompare(got[:], a.digest[:]) == 1, nil
}
