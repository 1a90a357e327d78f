package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// StaticUser is a statically configured identity keyed by bearer token.
type StaticUser struct {
	Name   string
	Admin  bool
	Grants []Grant
}

// StaticVerifier resolves bearer tokens against a fixed table from the
// configuration file. It is meant for small deployments and tests; anything
// larger should sit behind a real token service.
type StaticVerifier struct {
	users map[string]StaticUser
}

var _ Verifier = &StaticVerifier{}

// NewStaticVerifier builds a verifier over a token to user table.
func NewStaticVerifier(users map[string]StaticUser) *StaticVerifier {
	table := make(map[string]StaticUser, len(users))
	for token, user := range users {
		table[token] = user
	}
	return &StaticVerifier{users: table}
}

func (v *StaticVerifier) Verify(ctx context.Context, r *http.Request) (Principal, error) {
	token, ok := bearerToken(r)
	if !ok {
		return Anonymous, nil
	}

	for candidate, user := range v.users {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			kind := KindUser
			if user.Admin {
				kind = KindAdmin
			}
			return Principal{Kind: kind, Name: user.Name, Grants: user.Grants}, nil
		}
	}
	return Anonymous, ErrInvalidCredentials
}

// AnonymousVerifier resolves every request to the anonymous principal. Used
// when the configuration disables authentication entirely.
type AnonymousVerifier struct{}

var _ Verifier = AnonymousVerifier{}

func (AnonymousVerifier) Verify(ctx context.Context, r *http.Request) (Principal, error) {
	return Anonymous, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
