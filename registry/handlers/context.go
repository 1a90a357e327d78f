package handlers

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/GhostKellz/ghostdock/registry/api/errcode"
	v2 "github.com/GhostKellz/ghostdock/registry/api/v2"
	"github.com/GhostKellz/ghostdock/registry/auth"
)

// Context contains the request specific context for use across handlers.
// Resources that don't need to be shared across handlers should not be on
// this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Repository is the repository name bound to the request, empty on
	// registry-level routes.
	Repository string

	// Principal is the resolved identity of the request.
	Principal auth.Principal

	// Errors is a collection of errors encountered by the handlers,
	// presented to the client. Errors here will be flushed by the
	// dispatcher after the handler runs, unless a status has already been
	// written.
	Errors errcode.Errors

	urlBuilder *v2.URLBuilder
	vars       map[string]string
}

// Value routes context value lookups to the embedded context.
func (ctx *Context) Value(key interface{}) interface{} {
	return ctx.Context.Value(key)
}

func getReference(ctx *Context) string { return ctx.vars["reference"] }
func getDigest(ctx *Context) string    { return ctx.vars["digest"] }
func getUploadUUID(ctx *Context) string {
	return ctx.vars["uuid"]
}

// parseDigest parses dgstStr, appending a DIGEST_INVALID error on failure.
func (ctx *Context) parseDigest(dgstStr string) (digest.Digest, bool) {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		ctx.Errors = append(ctx.Errors, v2.ErrorCodeDigestInvalid.WithDetail(fmt.Sprintf("parsing digest: %v", err)))
		return "", false
	}
	return dgst, true
}
