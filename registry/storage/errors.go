package storage

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrUnsupported is returned when an operation is not allowed by the
// registry configuration, such as deleting blobs when delete is disabled.
var ErrUnsupported = errors.New("operation unsupported")

// ErrBlobUnknown is returned when a blob is not found in the blob store.
type ErrBlobUnknown struct {
	Digest digest.Digest
}

func (err ErrBlobUnknown) Error() string {
	return fmt.Sprintf("unknown blob digest=%s", err.Digest)
}

// ErrBlobCorrupted is returned when the stored content of a blob no longer
// hashes to its digest. This is a fatal integrity failure.
type ErrBlobCorrupted struct {
	Digest digest.Digest
	Actual digest.Digest
}

func (err ErrBlobCorrupted) Error() string {
	return fmt.Sprintf("corrupted blob: stored as %s but content hashes to %s", err.Digest, err.Actual)
}

// ErrDigestMismatch is returned on upload finalization when the digest
// provided by the client does not match the uploaded content.
type ErrDigestMismatch struct {
	Provided digest.Digest
	Actual   digest.Digest
}

func (err ErrDigestMismatch) Error() string {
	return fmt.Sprintf("digest mismatch: provided=%s actual=%s", err.Provided, err.Actual)
}

// ErrBlobInvalidLength is returned when an upload exceeds the configured
// maximum blob size.
type ErrBlobInvalidLength struct {
	Reason string
}

func (err ErrBlobInvalidLength) Error() string {
	return fmt.Sprintf("invalid blob length: %s", err.Reason)
}

// ErrRangeInvalid is returned on a non-contiguous chunk append. Offset is
// the start offset the client attempted; Size the committed session length.
type ErrRangeInvalid struct {
	Offset int64
	Size   int64
}

func (err ErrRangeInvalid) Error() string {
	return fmt.Sprintf("invalid range: offset %d does not follow committed length %d", err.Offset, err.Size)
}

// ErrUploadUnknown is returned when an upload session cannot be found, either
// because it never existed or because it was finalized, cancelled or expired.
type ErrUploadUnknown struct {
	ID string
}

func (err ErrUploadUnknown) Error() string {
	return fmt.Sprintf("unknown upload session id=%s", err.ID)
}

// ErrRepositoryUnknown is returned when a repository name is not present in
// the metadata index.
type ErrRepositoryUnknown struct {
	Name string
}

func (err ErrRepositoryUnknown) Error() string {
	return fmt.Sprintf("unknown repository name=%s", err.Name)
}

// ErrManifestUnknown is returned when a manifest reference cannot be
// resolved in a repository.
type ErrManifestUnknown struct {
	Name      string
	Reference string
}

func (err ErrManifestUnknown) Error() string {
	return fmt.Sprintf("unknown manifest name=%s reference=%s", err.Name, err.Reference)
}

// ErrManifestInvalid is returned when a manifest payload cannot be parsed or
// fails structural validation.
type ErrManifestInvalid struct {
	Reason error
}

func (err ErrManifestInvalid) Error() string {
	return fmt.Sprintf("invalid manifest: %v", err.Reason)
}

func (err ErrManifestInvalid) Unwrap() error {
	return err.Reason
}

// ErrManifestBlobsUnknown is returned on manifest put when one or more
// referenced blobs are not present in the blob store.
type ErrManifestBlobsUnknown struct {
	Digests []digest.Digest
}

func (err ErrManifestBlobsUnknown) Error() string {
	return fmt.Sprintf("manifest references unknown blobs: %v", err.Digests)
}

// ErrManifestTooLarge is returned when a manifest payload exceeds the
// configured size limit.
type ErrManifestTooLarge struct {
	Size  int64
	Limit int64
}

func (err ErrManifestTooLarge) Error() string {
	return fmt.Sprintf("manifest of %d bytes exceeds limit of %d bytes", err.Size, err.Limit)
}
