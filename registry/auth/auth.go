// Package auth controls access to registry resources.
//
// A request is first resolved to a Principal by a Verifier, based on the
// credentials it carries. The principal is then checked against the access a
// handler requires with Authorize. Authorization failures distinguish between
// "unauthenticated" (the client should present credentials, carrying a
// WWW-Authenticate challenge) and "denied" (credentials were fine but grant
// no access to the resource).
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Action names the operations a principal may perform on a repository.
const (
	ActionPull   = "pull"
	ActionPush   = "push"
	ActionDelete = "delete"
)

// Kind classifies a principal.
type Kind int

const (
	// KindAnonymous is a request carrying no credentials.
	KindAnonymous Kind = iota
	// KindUser is an authenticated user restricted to its grants.
	KindUser
	// KindAdmin is an authenticated user with access to everything,
	// including the catalog and repository deletion.
	KindAdmin
)

func (k Kind) String() string {
	switch k {
	case KindAnonymous:
		return "anonymous"
	case KindUser:
		return "user"
	case KindAdmin:
		return "admin"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Grant allows a set of actions on a single repository.
type Grant struct {
	Repository string
	Actions    []string
}

func (g Grant) allows(action string) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Principal is the resolved identity of a request.
type Principal struct {
	Kind   Kind
	Name   string
	Grants []Grant
}

// Anonymous is the principal of an unauthenticated request.
var Anonymous = Principal{Kind: KindAnonymous}

// Resource names the target of an access check. An empty Repository denotes
// a registry-level resource such as the catalog.
type Resource struct {
	Repository string

	// Public marks the repository as readable without credentials when the
	// registry allows anonymous pulls.
	Public bool
}

// Verifier resolves a request to a principal. Implementations must treat a
// request without credentials as Anonymous rather than returning an error;
// ErrInvalidCredentials is reserved for credentials that are present but
// wrong.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (Principal, error)
}

// ErrInvalidCredentials is returned by verifiers when presented credentials
// do not match any known identity.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Challenge is an authorization failure that should be answered with a 401
// and a WWW-Authenticate header directing the client at the token realm.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
	Err     error
}

func (c *Challenge) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	}
	return "authentication required"
}

func (c *Challenge) Unwrap() error { return c.Err }

// SetHeaders writes the bearer challenge onto the response headers.
func (c *Challenge) SetHeaders(h http.Header) {
	v := fmt.Sprintf("Bearer realm=%q", c.Realm)
	if c.Service != "" {
		v += fmt.Sprintf(",service=%q", c.Service)
	}
	if c.Scope != "" {
		v += fmt.Sprintf(",scope=%q", c.Scope)
	}
	h.Set("WWW-Authenticate", v)
}

// ErrDenied is an authorization failure for an authenticated principal. It
// should be answered with a 403 and no challenge.
var ErrDenied = errors.New("auth: access denied")

// Gate applies the registry access policy to resolved principals.
type Gate struct {
	// RequireAuth rejects every request from an anonymous principal,
	// subject to AllowAnonymousPull.
	RequireAuth bool

	// AllowAnonymousPull permits pull access on public repositories
	// without credentials even when RequireAuth is set.
	AllowAnonymousPull bool

	// Realm and Service parameterize the bearer challenge returned to
	// unauthenticated clients.
	Realm   string
	Service string
}

// Authorize checks that p may perform the given actions on the resource.
// Unauthenticated principals lacking access receive a *Challenge;
// authenticated ones receive ErrDenied.
func (g *Gate) Authorize(p Principal, res Resource, actions ...string) error {
	if p.Kind == KindAdmin {
		return nil
	}

	if p.Kind == KindAnonymous {
		if g.anonymousAllowed(res, actions) {
			return nil
		}
		return &Challenge{
			Realm:   g.Realm,
			Service: g.Service,
			Scope:   scopeFor(res, actions),
		}
	}

	// Registry-level resources (catalog) are admin only.
	if res.Repository == "" {
		return ErrDenied
	}
	for _, action := range actions {
		if !principalAllows(p, res.Repository, action) {
			return ErrDenied
		}
	}
	return nil
}

func (g *Gate) anonymousAllowed(res Resource, actions []string) bool {
	if !g.RequireAuth {
		return true
	}
	if !g.AllowAnonymousPull || res.Repository == "" || !res.Public {
		return false
	}
	for _, action := range actions {
		if action != ActionPull {
			return false
		}
	}
	return true
}

func principalAllows(p Principal, repo, action string) bool {
	for _, grant := range p.Grants {
		if grant.Repository == repo && grant.allows(action) {
			return true
		}
	}
	return false
}

func scopeFor(res Resource, actions []string) string {
	if res.Repository == "" {
		return "registry:catalog:*"
	}
	return fmt.Sprintf("repository:%s:%s", res.Repository, strings.Join(actions, ","))
}
