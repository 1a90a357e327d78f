package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/api/errcode"
	v2 "github.com/GhostKellz/ghostdock/registry/api/v2"
	"github.com/GhostKellz/ghostdock/registry/auth"
	"github.com/GhostKellz/ghostdock/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for
// the given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	return handlers.MethodHandler{
		http.MethodPost:   http.HandlerFunc(buh.StartBlobUpload),
		http.MethodGet:    http.HandlerFunc(buh.GetUploadStatus),
		http.MethodPatch:  http.HandlerFunc(buh.PatchBlobData),
		http.MethodPut:    http.HandlerFunc(buh.PutBlobUploadComplete),
		http.MethodDelete: http.HandlerFunc(buh.CancelBlobUpload),
	}
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload instance for the current request.
	UUID string
}

// StartBlobUpload begins the blob upload process and allocates a server-side
// upload session. When a mount source is given and the blob already exists,
// the upload short-circuits into a 201.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	if mountDigest := r.FormValue("mount"); mountDigest != "" {
		if buh.tryBlobMount(w, mountDigest, r.FormValue("from")) {
			return
		}
	}

	upload, err := buh.registry.StartUpload(buh, buh.Repository)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	if err := buh.uploadResponse(w, upload, true); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// tryBlobMount completes a cross-repository mount when the referenced blob
// already exists and the principal may pull from the source repository,
// reporting whether the request was handled. Every other outcome falls back
// to a regular upload session per the distribution spec.
func (buh *blobUploadHandler) tryBlobMount(w http.ResponseWriter, mountDigest, from string) bool {
	dgst, err := digest.Parse(mountDigest)
	if err != nil {
		return false
	}

	if v2.ValidateRepositoryName(from) != nil {
		return false
	}

	// Mounting reads a blob out of the source repository, so the caller
	// needs pull access there on top of the push access already checked on
	// the target.
	source := auth.Resource{Repository: from}
	if repo, err := buh.registry.Index().GetRepository(buh, from); err == nil {
		source.Public = repo.Public
	}
	if err := buh.gate.Authorize(buh.Principal, source, auth.ActionPull); err != nil {
		return false
	}

	exists, err := buh.registry.BlobExists(buh, dgst)
	if err != nil || !exists {
		return false
	}

	desc, err := buh.registry.StatBlob(buh, dgst)
	if err != nil {
		return false
	}

	if err := buh.writeBlobCreatedHeaders(w, desc.Digest); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return true
	}
	return true
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload()
	if !ok {
		return
	}

	if err := buh.uploadResponse(w, upload, false); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload()
	if !ok {
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail(fmt.Sprintf("bad Content-Type %q", ct)))
		return
	}

	offset := int64(-1)
	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, end, err := parseContentRange(cr)
		if err != nil || start > end {
			buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail(fmt.Sprintf("invalid Content-Range %q", cr)))
			return
		}
		if cl := r.Header.Get("Content-Length"); cl != "" {
			clInt, err := strconv.ParseInt(cl, 10, 64)
			if err != nil || clInt != (end-start)+1 {
				buh.Errors = append(buh.Errors, v2.ErrorCodeSizeInvalid.WithDetail("Content-Length does not match Content-Range"))
				return
			}
		}
		offset = start
	}

	activeUploadsGauge.Inc(1)
	defer activeUploadsGauge.Dec(1)

	before := upload.Size()
	size, err := upload.Append(buh, r.Body, offset)
	if err != nil {
		var rangeErr storage.ErrRangeInvalid
		switch {
		case errors.As(err, &rangeErr):
			w.Header().Set("Docker-Upload-UUID", buh.UUID)
			w.Header().Set("Range", fmt.Sprintf("0-%d", rangeErr.Size-1))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			serveJSON(w, errcode.Errors{v2.ErrorCodeRangeInvalid.WithDetail(err.Error())})
		case errors.As(err, &storage.ErrUploadUnknown{}):
			buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		case errors.As(err, &storage.ErrBlobInvalidLength{}):
			buh.Errors = append(buh.Errors, v2.ErrorCodeSizeInvalid.WithDetail(err.Error()))
		default:
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}
	uploadBytesCounter.Inc(float64(size - before))

	if err := buh.statusHeaders(w, size); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data provided
// is received and verified. If successful, the blob is committed to the
// blob store and 201 Created is returned with the canonical url of the blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload()
	if !ok {
		return
	}

	dgstStr := r.FormValue("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	if r.ContentLength != 0 {
		activeUploadsGauge.Inc(1)
		before := upload.Size()
		size, err := upload.Append(buh, r.Body, -1)
		activeUploadsGauge.Dec(1)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		uploadBytesCounter.Inc(float64(size - before))
	}

	desc, err := upload.Commit(buh, dgst)
	if err != nil {
		switch {
		case errors.As(err, &storage.ErrDigestMismatch{}):
			buh.Errors = append(buh.Errors, v2.ErrorCodeDigestInvalid.WithDetail(err.Error()))
		case errors.As(err, &storage.ErrUploadUnknown{}):
			buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		default:
			dcontext.GetLogger(buh).Errorf("unknown error completing upload: %v", err)
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	if err := buh.writeBlobCreatedHeaders(w, desc.Digest); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload()
	if !ok {
		return
	}

	if err := upload.Cancel(buh); err != nil {
		if errors.As(err, &storage.ErrUploadUnknown{}) {
			buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		} else {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

// resumeUpload resolves the session named in the route, appending the
// appropriate error when it is missing.
func (buh *blobUploadHandler) resumeUpload() (*storage.Upload, bool) {
	if buh.UUID == "" {
		buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadInvalid.WithDetail("no upload id"))
		return nil, false
	}

	upload, err := buh.registry.ResumeUpload(buh, buh.UUID)
	if err != nil {
		if errors.As(err, &storage.ErrUploadUnknown{}) {
			buh.Errors = append(buh.Errors, v2.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		} else {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return nil, false
	}
	return upload, true
}

// uploadResponse sets the upload tracking headers, pointing the client at
// the chunk url for the session.
func (buh *blobUploadHandler) uploadResponse(w http.ResponseWriter, upload *storage.Upload, fresh bool) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Repository, upload.ID())
	if err != nil {
		return err
	}

	endRange := upload.Size()
	if endRange > 0 {
		endRange--
	}

	w.Header().Set("Docker-Upload-UUID", upload.ID())
	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	if fresh {
		buh.UUID = upload.ID()
	}
	return nil
}

// statusHeaders sets the session headers after a successful chunk append.
func (buh *blobUploadHandler) statusHeaders(w http.ResponseWriter, size int64) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Repository, buh.UUID)
	if err != nil {
		return err
	}

	endRange := size
	if endRange > 0 {
		endRange--
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))
	return nil
}

// writeBlobCreatedHeaders writes the standard headers describing a committed
// blob.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, dgst digest.Digest) error {
	blobURL, err := buh.urlBuilder.BuildBlobURL(buh.Repository, dgst)
	if err != nil {
		return err
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
	return nil
}
