package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/api/errcode"
	v2 "github.com/GhostKellz/ghostdock/registry/api/v2"
	"github.com/GhostKellz/ghostdock/registry/storage"
)

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	bh := &blobHandler{Context: ctx}

	mhandler := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(bh.GetBlob),
		http.MethodHead: http.HandlerFunc(bh.GetBlob),
	}

	if ctx.registry.DeleteEnabled() {
		mhandler[http.MethodDelete] = http.HandlerFunc(bh.DeleteBlob)
	}

	return mhandler
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context
}

// GetBlob fetches the binary data from backend storage returns it in the
// response. Range requests are honored through http.ServeContent.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	dgst, ok := bh.parseDigest(getDigest(bh.Context))
	if !ok {
		return
	}

	br, desc, err := bh.registry.OpenBlob(bh, dgst)
	if err != nil {
		if errors.As(err, &storage.ErrBlobUnknown{}) {
			bh.Errors = append(bh.Errors, v2.ErrorCodeBlobUnknown.WithDetail(dgst.String()))
		} else {
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}
	defer br.Close()

	w.Header().Set("Content-Type", desc.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Etag", dgst.String())

	if r.Method == http.MethodGet {
		blobBytesCounter.Inc(float64(desc.Size))
	}
	http.ServeContent(w, r, "", time.Time{}, br)
}

// DeleteBlob removes a blob from the registry. The route is only mounted
// when deletion is enabled in the configuration.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	dgst, ok := bh.parseDigest(getDigest(bh.Context))
	if !ok {
		return
	}

	if err := bh.registry.DeleteBlob(bh, dgst); err != nil {
		switch {
		case errors.As(err, &storage.ErrBlobUnknown{}):
			bh.Errors = append(bh.Errors, v2.ErrorCodeBlobUnknown.WithDetail(dgst.String()))
		case errors.Is(err, storage.ErrUnsupported):
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnsupported)
		default:
			bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	dcontext.GetLogger(bh).Infof("blob deleted: %s", dgst)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
}
