package storage

import (
	"context"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	storagedriver "github.com/GhostKellz/ghostdock/registry/storage/driver"
)

// blobStore implements the write-once content-addressed blob set on top of
// a storage driver. Blob content is committed by an atomic rename from the
// staging area; the presence of the data file is the commit point, so no
// locking is needed across writers of the same digest.
type blobStore struct {
	driver storagedriver.StorageDriver
}

// BlobInfo describes a committed blob found while enumerating the store.
type BlobInfo struct {
	Digest  digest.Digest
	Size    int64
	ModTime time.Time
}

// Exists returns true if a blob with the given digest has been committed.
func (bs *blobStore) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := bs.Stat(ctx, dgst)
	switch err.(type) {
	case nil:
		return true, nil
	case ErrBlobUnknown:
		return false, nil
	default:
		return false, err
	}
}

// Stat returns the descriptor of the committed blob identified by dgst. The
// media type is the generic octet-stream; callers holding a better hint
// (such as the manifest service) overwrite it.
func (bs *blobStore) Stat(ctx context.Context, dgst digest.Digest) (v1.Descriptor, error) {
	fi, err := bs.driver.Stat(ctx, blobDataPath(dgst))
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return v1.Descriptor{}, ErrBlobUnknown{Digest: dgst}
		}
		return v1.Descriptor{}, err
	}

	return v1.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    dgst,
		Size:      fi.Size(),
	}, nil
}

// Open returns a seekable reader over the committed blob content together
// with its descriptor.
func (bs *blobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, v1.Descriptor, error) {
	desc, err := bs.Stat(ctx, dgst)
	if err != nil {
		return nil, v1.Descriptor{}, err
	}

	rc, err := bs.driver.Reader(ctx, blobDataPath(dgst), 0)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, v1.Descriptor{}, ErrBlobUnknown{Digest: dgst}
		}
		return nil, v1.Descriptor{}, err
	}

	return rc, desc, nil
}

// Get reads the entire blob content into memory, verifying it against the
// digest. Only suitable for size-capped content such as manifests; a
// verification failure means the stored file is corrupt.
func (bs *blobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	rc, _, err := bs.Open(ctx, dgst)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	p, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	if actual := dgst.Algorithm().FromBytes(p); actual != dgst {
		dcontext.GetLogger(ctx).Errorf("integrity failure: blob %s hashes to %s", dgst, actual)
		return nil, ErrBlobCorrupted{Digest: dgst, Actual: actual}
	}

	return p, nil
}

// Verify re-hashes the committed content of dgst, returning ErrBlobCorrupted
// on mismatch.
func (bs *blobStore) Verify(ctx context.Context, dgst digest.Digest) error {
	rc, _, err := bs.Open(ctx, dgst)
	if err != nil {
		return err
	}
	defer rc.Close()

	actual, err := dgst.Algorithm().FromReader(rc)
	if err != nil {
		return err
	}

	if actual != dgst {
		return ErrBlobCorrupted{Digest: dgst, Actual: actual}
	}

	return nil
}

// Delete removes the committed blob. Only the garbage collector and the
// delete-enabled API path call this.
func (bs *blobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	// Remove the blob's directory so the empty fan-out entry does not linger.
	blobDir := blobDataPath(dgst)
	blobDir = blobDir[:len(blobDir)-len("/data")]

	if err := bs.driver.Delete(ctx, blobDir); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return ErrBlobUnknown{Digest: dgst}
		}
		return err
	}

	return nil
}

// Enumerate walks the committed blob tree, calling ingester once per blob.
func (bs *blobStore) Enumerate(ctx context.Context, ingester func(BlobInfo) error) error {
	return bs.driver.Walk(ctx, blobsPrefix, func(fi storagedriver.FileInfo) error {
		if fi.IsDir() {
			return nil
		}

		dgst, err := blobDigestFromPath(fi.Path())
		if err != nil {
			// Partial or foreign files under the blob tree are skipped, not
			// fatal; the GC never removes what it cannot name.
			dcontext.GetLogger(ctx).Warnf("skipping unrecognized file in blob store: %s", fi.Path())
			return nil
		}

		return ingester(BlobInfo{
			Digest:  dgst,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	})
}
