package storage

import (
	"context"
	"errors"
	"io"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	storagedriver "github.com/GhostKellz/ghostdock/registry/storage/driver"
)

// errWriterClosed is returned on writes to a committed or cancelled writer.
var errWriterClosed = errors.New("blob writer closed")

// blobWriter aggregates upload bytes in a staging file while feeding a
// streaming digester in parallel, so finalization never has to re-read a
// multi-gigabyte payload. Commit promotes the staging file into the
// content-addressed tree with a rename.
type blobWriter struct {
	id string

	blobStore *blobStore
	driver    storagedriver.StorageDriver

	fileWriter storagedriver.FileWriter
	digester   digest.Digester
	closed     bool
}

// newBlobWriter opens a fresh staging file for the session id.
func newBlobWriter(ctx context.Context, bs *blobStore, id string) (*blobWriter, error) {
	fw, err := bs.driver.Writer(ctx, stagingPath(id), false)
	if err != nil {
		return nil, err
	}

	return &blobWriter{
		id:         id,
		blobStore:  bs,
		driver:     bs.driver,
		fileWriter: fw,
		digester:   digest.Canonical.Digester(),
	}, nil
}

// resumeBlobWriter reopens the staging file of an existing session in append
// mode. The streaming hash state is not persisted across processes, so it is
// rehydrated by re-hashing the bytes already staged.
func resumeBlobWriter(ctx context.Context, bs *blobStore, id string) (*blobWriter, error) {
	staged, err := bs.driver.Reader(ctx, stagingPath(id), 0)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, ErrUploadUnknown{ID: id}
		}
		return nil, err
	}

	digester := digest.Canonical.Digester()
	rehashed, err := io.Copy(digester.Hash(), staged)
	staged.Close()
	if err != nil {
		return nil, err
	}

	fw, err := bs.driver.Writer(ctx, stagingPath(id), true)
	if err != nil {
		return nil, err
	}

	if fw.Size() != rehashed {
		// The staging file changed between the rehash and the reopen. The
		// caller serializes sessions, so this indicates external tampering.
		fw.Close()
		return nil, ErrRangeInvalid{Offset: rehashed, Size: fw.Size()}
	}

	return &blobWriter{
		id:         id,
		blobStore:  bs,
		driver:     bs.driver,
		fileWriter: fw,
		digester:   digester,
	}, nil
}

// ID returns the session identifier for this writer.
func (bw *blobWriter) ID() string {
	return bw.id
}

// Size returns the number of bytes staged so far.
func (bw *blobWriter) Size() int64 {
	return bw.fileWriter.Size()
}

// Write appends p to the staging file and the running hash.
func (bw *blobWriter) Write(p []byte) (int, error) {
	if bw.closed {
		return 0, errWriterClosed
	}

	n, err := bw.fileWriter.Write(p)
	bw.digester.Hash().Write(p[:n])
	return n, err
}

// ReadFrom streams r into the staging file and the running hash.
func (bw *blobWriter) ReadFrom(r io.Reader) (int64, error) {
	if bw.closed {
		return 0, errWriterClosed
	}

	return io.Copy(io.MultiWriter(bw.fileWriter, bw.digester.Hash()), r)
}

// Close releases the underlying file handle without committing or removing
// the staged bytes. The session can be resumed later.
func (bw *blobWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true
	return bw.fileWriter.Close()
}

// Commit validates the staged content against the provided digest and, on
// match, promotes the staging file into the blob tree. If a blob with the
// same digest was committed concurrently, the staged copy is discarded and
// the existing blob wins; the rename-as-commit makes the race harmless.
func (bw *blobWriter) Commit(ctx context.Context, provided digest.Digest) (v1.Descriptor, error) {
	if bw.closed {
		return v1.Descriptor{}, errWriterClosed
	}

	if err := bw.fileWriter.Commit(ctx); err != nil {
		return v1.Descriptor{}, err
	}

	size := bw.fileWriter.Size()
	actual := bw.digester.Digest()

	if err := bw.fileWriter.Close(); err != nil {
		return v1.Descriptor{}, err
	}
	bw.closed = true

	if actual != provided {
		return v1.Descriptor{}, ErrDigestMismatch{Provided: provided, Actual: actual}
	}

	desc := v1.Descriptor{
		MediaType: "application/octet-stream",
		Digest:    actual,
		Size:      size,
	}

	if exists, err := bw.blobStore.Exists(ctx, actual); err != nil {
		return v1.Descriptor{}, err
	} else if exists {
		// Deduplication point: identical content is already committed.
		dcontext.GetLogger(ctx).Debugf("blob %s already exists, discarding staged copy", actual)
		if err := bw.driver.Delete(ctx, stagingPath(bw.id)); err != nil {
			dcontext.GetLogger(ctx).Warnf("failed to remove staged duplicate %s: %v", bw.id, err)
		}
		return bw.blobStore.Stat(ctx, actual)
	}

	if err := bw.driver.Move(ctx, stagingPath(bw.id), blobDataPath(actual)); err != nil {
		return v1.Descriptor{}, err
	}

	return desc, nil
}

// Cancel aborts the session, removing the staged bytes.
func (bw *blobWriter) Cancel(ctx context.Context) error {
	if !bw.closed {
		bw.closed = true
		if err := bw.fileWriter.Close(); err != nil {
			dcontext.GetLogger(ctx).Warnf("closing cancelled writer %s: %v", bw.id, err)
		}
	}

	if err := bw.driver.Delete(ctx, stagingPath(bw.id)); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); !ok {
			return err
		}
	}

	return nil
}
