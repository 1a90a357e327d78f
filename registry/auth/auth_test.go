package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticVerifier(t *testing.T) {
	verifier := NewStaticVerifier(map[string]StaticUser{
		"admintoken": {Name: "root", Admin: true},
		"pushtoken": {
			Name:   "ci",
			Grants: []Grant{{Repository: "team/app", Actions: []string{"pull", "push"}}},
		},
	})

	ctx := context.Background()

	t.Run("no credentials resolves anonymous", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		p, err := verifier.Verify(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, KindAnonymous, p.Kind)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		r.Header.Set("Authorization", "Bearer pushtoken")
		p, err := verifier.Verify(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, KindUser, p.Kind)
		assert.Equal(t, "ci", p.Name)
		require.Len(t, p.Grants, 1)
	})

	t.Run("admin token", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		r.Header.Set("Authorization", "bearer admintoken")
		p, err := verifier.Verify(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, KindAdmin, p.Kind)
	})

	t.Run("unknown token rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		r.Header.Set("Authorization", "Bearer wrong")
		_, err := verifier.Verify(ctx, r)
		require.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("basic auth ignored", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
		r.SetBasicAuth("user", "pass")
		p, err := verifier.Verify(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, KindAnonymous, p.Kind)
	})
}

func TestGateAuthorize(t *testing.T) {
	admin := Principal{Kind: KindAdmin, Name: "root"}
	ci := Principal{
		Kind: KindUser, Name: "ci",
		Grants: []Grant{{Repository: "team/app", Actions: []string{"pull", "push"}}},
	}

	gate := &Gate{
		RequireAuth:        true,
		AllowAnonymousPull: true,
		Realm:              "https://auth.example.com/token",
		Service:            "registry.example.com",
	}

	for _, tc := range []struct {
		name      string
		principal Principal
		resource  Resource
		actions   []string
		err       error
		challenge bool
	}{
		{
			name:      "admin can do anything",
			principal: admin,
			resource:  Resource{Repository: "any/repo"},
			actions:   []string{ActionDelete},
		},
		{
			name:      "admin can list catalog",
			principal: admin,
			resource:  Resource{},
		},
		{
			name:      "user with grant can pull",
			principal: ci,
			resource:  Resource{Repository: "team/app"},
			actions:   []string{ActionPull},
		},
		{
			name:      "user with grant can push",
			principal: ci,
			resource:  Resource{Repository: "team/app"},
			actions:   []string{ActionPush},
		},
		{
			name:      "user without delete grant is denied",
			principal: ci,
			resource:  Resource{Repository: "team/app"},
			actions:   []string{ActionDelete},
			err:       ErrDenied,
		},
		{
			name:      "user denied on other repository",
			principal: ci,
			resource:  Resource{Repository: "other/repo"},
			actions:   []string{ActionPull},
			err:       ErrDenied,
		},
		{
			name:      "user cannot list catalog",
			principal: ci,
			resource:  Resource{},
			err:       ErrDenied,
		},
		{
			name:      "anonymous pull on public repository",
			principal: Anonymous,
			resource:  Resource{Repository: "library/ubuntu", Public: true},
			actions:   []string{ActionPull},
		},
		{
			name:      "anonymous pull on private repository challenged",
			principal: Anonymous,
			resource:  Resource{Repository: "team/app"},
			actions:   []string{ActionPull},
			challenge: true,
		},
		{
			name:      "anonymous push challenged even on public repository",
			principal: Anonymous,
			resource:  Resource{Repository: "library/ubuntu", Public: true},
			actions:   []string{ActionPush},
			challenge: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := gate.Authorize(tc.principal, tc.resource, tc.actions...)
			switch {
			case tc.challenge:
				var challenge *Challenge
				require.ErrorAs(t, err, &challenge)
				h := http.Header{}
				challenge.SetHeaders(h)
				assert.Contains(t, h.Get("WWW-Authenticate"), `Bearer realm="https://auth.example.com/token"`)
				assert.Contains(t, h.Get("WWW-Authenticate"), `service="registry.example.com"`)
			case tc.err != nil:
				require.True(t, errors.Is(err, tc.err), "expected %v, got %v", tc.err, err)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestGateAuthDisabled(t *testing.T) {
	gate := &Gate{RequireAuth: false}

	require.NoError(t, gate.Authorize(Anonymous, Resource{Repository: "foo/bar"}, ActionPush))
	require.NoError(t, gate.Authorize(Anonymous, Resource{}))
}

func TestChallengeScope(t *testing.T) {
	gate := &Gate{RequireAuth: true, Realm: "r", Service: "s"}

	err := gate.Authorize(Anonymous, Resource{Repository: "team/app"}, ActionPull, ActionPush)
	var challenge *Challenge
	require.ErrorAs(t, err, &challenge)
	assert.Equal(t, "repository:team/app:pull,push", challenge.Scope)

	err = gate.Authorize(Anonymous, Resource{})
	require.ErrorAs(t, err, &challenge)
	assert.Equal(t, "registry:catalog:*", challenge.Scope)
}
