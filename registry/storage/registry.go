package storage

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GhostKellz/ghostdock/registry/storage/index"
	storagedriver "github.com/GhostKellz/ghostdock/registry/storage/driver"
)

const (
	defaultMaxBlobSize     = 5 << 30 // 5 GiB
	defaultMaxManifestSize = 4 << 20 // 4 MiB
)

// Registry ties the content-addressed blob store and the metadata index
// into the storage service consumed by the API handlers.
type Registry struct {
	driver storagedriver.StorageDriver
	blobs  *blobStore
	index  *index.Store

	uploads *sessionLocks

	maxBlobSize     int64
	maxManifestSize int64

	deleteEnabled bool
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	// MaxBlobSize caps the total size of a blob upload session.
	MaxBlobSize int64

	// MaxManifestSize caps manifest payloads.
	MaxManifestSize int64

	// DeleteEnabled allows direct blob deletion through the API. The
	// garbage collector deletes blobs regardless of this setting.
	DeleteEnabled bool
}

// NewRegistry creates a registry storage service over the given driver and
// metadata index.
func NewRegistry(driver storagedriver.StorageDriver, idx *index.Store, opts Options) *Registry {
	if opts.MaxBlobSize <= 0 {
		opts.MaxBlobSize = defaultMaxBlobSize
	}
	if opts.MaxManifestSize <= 0 {
		opts.MaxManifestSize = defaultMaxManifestSize
	}

	return &Registry{
		driver:          driver,
		blobs:           &blobStore{driver: driver},
		index:           idx,
		uploads:         newSessionLocks(),
		maxBlobSize:     opts.MaxBlobSize,
		maxManifestSize: opts.MaxManifestSize,
		deleteEnabled:   opts.DeleteEnabled,
	}
}

// MaxManifestSize returns the manifest payload cap in bytes.
func (reg *Registry) MaxManifestSize() int64 {
	return reg.maxManifestSize
}

// DeleteEnabled reports whether API-initiated blob deletion is allowed.
func (reg *Registry) DeleteEnabled() bool {
	return reg.deleteEnabled
}

// Index exposes the metadata index for management operations.
func (reg *Registry) Index() *index.Store {
	return reg.index
}

// StatBlob returns the descriptor of a committed blob.
func (reg *Registry) StatBlob(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	return reg.blobs.Stat(ctx, dgst)
}

// OpenBlob returns a seekable reader over a committed blob.
func (reg *Registry) OpenBlob(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, v1.Descriptor, error) {
	return reg.blobs.Open(ctx, dgst)
}

// BlobExists reports whether a blob has been committed.
func (reg *Registry) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	return reg.blobs.Exists(ctx, dgst)
}

// DeleteBlob removes a committed blob through the API path. Refused unless
// delete is enabled in the configuration.
func (reg *Registry) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	if !reg.deleteEnabled {
		return ErrUnsupported
	}
	return reg.blobs.Delete(ctx, dgst)
}

// VerifyBlob re-hashes a committed blob against its digest.
func (reg *Registry) VerifyBlob(ctx context.Context, dgst digest.Digest) error {
	return reg.blobs.Verify(ctx, dgst)
}

// Repositories lists repository names with keyset pagination.
func (reg *Registry) Repositories(ctx context.Context, n int, last string) ([]string, bool, error) {
	return reg.index.Repositories(ctx, n, last)
}

// Tags lists tag names of a repository with keyset pagination. Returns
// ErrRepositoryUnknown if the repository does not exist.
func (reg *Registry) Tags(ctx context.Context, repo string, n int, last string) ([]string, bool, error) {
	tags, more, err := reg.index.Tags(ctx, repo, n, last)
	if err == index.ErrNotFound {
		return nil, false, ErrRepositoryUnknown{Name: repo}
	}
	return tags, more, err
}
