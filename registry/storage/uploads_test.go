package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadLifecycle(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	content := []byte("the quick brown fox jumps over the lazy dog")
	dgst := digest.FromBytes(content)

	upload, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)
	assert.NotEmpty(t, upload.ID())
	assert.Equal(t, "test/repo", upload.Repo())
	assert.Zero(t, upload.Size())

	// First chunk at offset 0.
	size, err := upload.Append(ctx, bytes.NewReader(content[:20]), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(20), size)

	// Second chunk must start exactly at the committed length.
	size, err = upload.Append(ctx, bytes.NewReader(content[20:]), 20)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	desc, err := upload.Commit(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, dgst, desc.Digest)
	assert.Equal(t, int64(len(content)), desc.Size)

	// The blob is now readable.
	rc, blobDesc, err := reg.OpenBlob(ctx, dgst)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(len(content)), blobDesc.Size)
	read, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, read)

	// The session is gone.
	_, err = reg.ResumeUpload(ctx, upload.ID())
	assert.True(t, errors.As(err, &ErrUploadUnknown{}))
}

func TestUploadNonContiguousChunk(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	upload, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)

	_, err = upload.Append(ctx, bytes.NewReader([]byte("0123456789")), 0)
	require.NoError(t, err)

	// A gap and an overlap both fail with the committed length attached.
	for _, offset := range []int64{5, 15} {
		size, err := upload.Append(ctx, bytes.NewReader([]byte("abc")), offset)
		var rangeErr ErrRangeInvalid
		require.True(t, errors.As(err, &rangeErr), "offset %d", offset)
		assert.Equal(t, int64(10), rangeErr.Size)
		assert.Equal(t, int64(10), size)
	}

	// The committed prefix is untouched and resumable.
	size, err := upload.Append(ctx, bytes.NewReader([]byte("abc")), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)
}

func TestUploadResumeAcrossHandles(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	content := []byte("resumable content, hashed incrementally")
	dgst := digest.FromBytes(content)

	first, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)
	_, err = first.Append(ctx, bytes.NewReader(content[:10]), 0)
	require.NoError(t, err)

	// Pretend the process restarted: a fresh handle from the session id.
	second, err := reg.ResumeUpload(ctx, first.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(10), second.Size())

	_, err = second.Append(ctx, bytes.NewReader(content[10:]), 10)
	require.NoError(t, err)

	desc, err := second.Commit(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, dgst, desc.Digest)
}

func TestUploadCommitDigestMismatch(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	upload, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)
	_, err = upload.Append(ctx, bytes.NewReader([]byte("actual content")), 0)
	require.NoError(t, err)

	wrong := digest.FromBytes([]byte("some other content"))
	_, err = upload.Commit(ctx, wrong)
	var mismatch ErrDigestMismatch
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, wrong, mismatch.Provided)

	// The session survives a mismatch so the client can cancel it.
	resumed, err := reg.ResumeUpload(ctx, upload.ID())
	require.NoError(t, err)
	require.NoError(t, resumed.Cancel(ctx))

	_, err = reg.ResumeUpload(ctx, upload.ID())
	assert.True(t, errors.As(err, &ErrUploadUnknown{}))
}

func TestUploadDeduplication(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	content := []byte("duplicated layer content")
	dgst := uploadBlob(t, reg, "repo/one", content)

	// A second upload of the same content commits cleanly against the
	// existing blob.
	upload, err := reg.StartUpload(ctx, "repo/two")
	require.NoError(t, err)
	_, err = upload.Append(ctx, bytes.NewReader(content), 0)
	require.NoError(t, err)
	desc, err := upload.Commit(ctx, dgst)
	require.NoError(t, err)
	assert.Equal(t, dgst, desc.Digest)

	exists, err := reg.BlobExists(ctx, dgst)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUploadMaxBlobSize(t *testing.T) {
	reg := newTestRegistry(t, Options{MaxBlobSize: 16})
	ctx := context.Background()

	upload, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)

	_, err = upload.Append(ctx, bytes.NewReader(make([]byte, 32)), 0)
	var lengthErr ErrBlobInvalidLength
	require.True(t, errors.As(err, &lengthErr))
}

func TestUploadCancelUnknown(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.ResumeUpload(ctx, "no-such-session")
	assert.True(t, errors.As(err, &ErrUploadUnknown{}))
}

func TestExpireUploads(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	stale, err := reg.StartUpload(ctx, "test/repo")
	require.NoError(t, err)
	_, err = stale.Append(ctx, bytes.NewReader([]byte("stale bytes")), 0)
	require.NoError(t, err)

	// A zero ttl makes every session expired.
	time.Sleep(10 * time.Millisecond)
	expired, err := reg.ExpireUploads(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	_, err = reg.ResumeUpload(ctx, stale.ID())
	assert.True(t, errors.As(err, &ErrUploadUnknown{}))
}
