package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/api/errcode"
	v2 "github.com/GhostKellz/ghostdock/registry/api/v2"
	"github.com/GhostKellz/ghostdock/registry/storage"
)

// manifestDispatcher takes the request context and builds the appropriate
// handler for handling manifest requests.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	mh := &manifestHandler{Context: ctx}

	mhandler := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(mh.GetManifest),
		http.MethodHead: http.HandlerFunc(mh.GetManifest),
		http.MethodPut:  http.HandlerFunc(mh.PutManifest),
	}

	if ctx.registry.DeleteEnabled() {
		mhandler[http.MethodDelete] = http.HandlerFunc(mh.DeleteManifest)
	}

	return mhandler
}

// manifestHandler handles http operations on manifests.
type manifestHandler struct {
	*Context
}

// GetManifest fetches the manifest identified by the tag or digest in the
// route, honoring the Accept header. When the client accepts none of the
// media types the stored manifest could be served as, the manifest is
// reported unknown rather than converted.
func (mh *manifestHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	reference := getReference(mh.Context)

	var (
		bundle *storage.ManifestBundle
		err    error
	)
	if r.Method == http.MethodHead {
		bundle, err = mh.registry.ManifestExists(mh, mh.Repository, reference)
	} else {
		bundle, err = mh.registry.GetManifest(mh, mh.Repository, reference)
	}
	if err != nil {
		mh.appendManifestError(reference, err)
		return
	}

	if !acceptable(r, bundle.MediaType) {
		mh.Errors = append(mh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(
			fmt.Sprintf("%s not satisfiable by Accept header", bundle.MediaType)))
		return
	}

	w.Header().Set("Content-Type", bundle.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(bundle.Size, 10))
	w.Header().Set("Docker-Content-Digest", bundle.Digest.String())
	w.Header().Set("Etag", fmt.Sprintf(`"%s"`, bundle.Digest))

	if r.Method == http.MethodGet {
		w.Write(bundle.Payload)
	}
}

// PutManifest validates and stores the manifest in the request body.
func (mh *manifestHandler) PutManifest(w http.ResponseWriter, r *http.Request) {
	reference := getReference(mh.Context)
	if _, err := digest.Parse(reference); err != nil {
		// The route pattern is looser than the tag grammar.
		if err := v2.ValidateTagName(reference); err != nil {
			mh.Errors = append(mh.Errors, v2.ErrorCodeTagInvalid.WithDetail(err.Error()))
			return
		}
	}
	mediaType := r.Header.Get("Content-Type")
	if i := strings.Index(mediaType, ";"); i >= 0 {
		if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
			mediaType = mt
		} else {
			mediaType = mediaType[:i]
		}
	}

	// Cap the read before buffering. One byte of slack lets an oversized
	// payload through to the size check for its proper error.
	r.Body = http.MaxBytesReader(w, r.Body, mh.registry.MaxManifestSize()+1)

	var payload bytes.Buffer
	if _, err := copyFullPayload(mh.Context, r, &payload, "manifest PUT"); err != nil {
		mh.Errors = append(mh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}

	dgst, err := mh.registry.PutManifest(mh, mh.Repository, reference, mediaType, payload.Bytes())
	if err != nil {
		var (
			invalidErr  storage.ErrManifestInvalid
			unknownErr  storage.ErrManifestBlobsUnknown
			tooLargeErr storage.ErrManifestTooLarge
		)
		switch {
		case errors.As(err, &invalidErr):
			mh.Errors = append(mh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		case errors.As(err, &unknownErr):
			for _, missing := range unknownErr.Digests {
				mh.Errors = append(mh.Errors, v2.ErrorCodeManifestBlobUnknown.WithDetail(missing.String()))
			}
		case errors.As(err, &tooLargeErr):
			mh.Errors = append(mh.Errors, v2.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		case errors.As(err, &storage.ErrDigestMismatch{}):
			mh.Errors = append(mh.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		case errors.As(err, &storage.ErrManifestUnknown{}):
			mh.Errors = append(mh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(err.Error()))
		default:
			mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	manifestURL, err := mh.urlBuilder.BuildManifestURL(mh.Repository, dgst.String())
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	dcontext.GetLoggerWithField(mh, "manifest.digest", dgst).Info("manifest stored")
	w.Header().Set("Location", manifestURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// DeleteManifest removes the manifest with the given digest from the
// registry. Deletion by tag is not supported.
func (mh *manifestHandler) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	reference := getReference(mh.Context)

	dgst, err := digest.Parse(reference)
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnsupported.WithMessage("deleting manifests by tag is not supported"))
		return
	}

	if err := mh.registry.DeleteManifest(mh, mh.Repository, dgst); err != nil {
		mh.appendManifestError(reference, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (mh *manifestHandler) appendManifestError(reference string, err error) {
	switch {
	case errors.As(err, &storage.ErrManifestUnknown{}):
		mh.Errors = append(mh.Errors, v2.ErrorCodeManifestUnknown.WithDetail(reference))
	case errors.As(err, &storage.ErrBlobCorrupted{}):
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
	default:
		mh.Errors = append(mh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// acceptable reports whether the client accepts mediaType. An absent Accept
// header accepts everything.
func acceptable(r *http.Request, mediaType string) bool {
	accepts := r.Header["Accept"]
	if len(accepts) == 0 {
		return true
	}

	for _, header := range accepts {
		for _, part := range strings.Split(header, ",") {
			accepted, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			if accepted == mediaType || accepted == "*/*" || accepted == "application/*" {
				return true
			}
		}
	}
	return false
}
