package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutManifestByTag(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{"arch":"amd64"}`))
	layer := uploadBlob(t, reg, "test/repo", []byte("layer bytes"))
	payload := makeImageManifest(t, config, layer)

	dgst, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, payload)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(payload), dgst)

	// Resolvable by tag.
	bundle, err := reg.GetManifest(ctx, "test/repo", "latest")
	require.NoError(t, err)
	assert.Equal(t, dgst, bundle.Digest)
	assert.Equal(t, v1.MediaTypeImageManifest, bundle.MediaType)
	assert.Equal(t, payload, bundle.Payload)

	// And by digest.
	bundle, err = reg.GetManifest(ctx, "test/repo", dgst.String())
	require.NoError(t, err)
	assert.Equal(t, payload, bundle.Payload)

	// The repository now exists with the tag listed.
	tags, _, err := reg.Tags(ctx, "test/repo", 0, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"latest"}, tags)
}

func TestPutManifestByDigest(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{}`))
	payload := makeImageManifest(t, config)
	dgst := digest.FromBytes(payload)

	got, err := reg.PutManifest(ctx, "test/repo", dgst.String(), v1.MediaTypeImageManifest, payload)
	require.NoError(t, err)
	assert.Equal(t, dgst, got)

	// No tag was created.
	tags, _, err := reg.Tags(ctx, "test/repo", 0, "")
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestPutManifestDigestReferenceMismatch(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{}`))
	payload := makeImageManifest(t, config)
	wrong := digest.FromBytes([]byte("not the payload"))

	_, err := reg.PutManifest(ctx, "test/repo", wrong.String(), v1.MediaTypeImageManifest, payload)
	require.True(t, errors.As(err, &ErrDigestMismatch{}))
}

func TestPutManifestMissingBlobs(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	missingConfig := digest.FromBytes([]byte("config never uploaded"))
	missingLayer := digest.FromBytes([]byte("layer never uploaded"))
	payload := makeImageManifest(t, missingConfig, missingLayer)

	_, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, payload)
	var blobsErr ErrManifestBlobsUnknown
	require.True(t, errors.As(err, &blobsErr))
	assert.ElementsMatch(t, []digest.Digest{missingConfig, missingLayer}, blobsErr.Digests)

	// Nothing was tagged.
	_, err = reg.GetManifest(ctx, "test/repo", "latest")
	assert.True(t, errors.As(err, &ErrManifestUnknown{}))
}

func TestPutManifestInvalidPayload(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	_, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, []byte("not json at all"))
	require.True(t, errors.As(err, &ErrManifestInvalid{}))
}

func TestPutManifestTooLarge(t *testing.T) {
	reg := newTestRegistry(t, Options{MaxManifestSize: 64})
	ctx := context.Background()

	payload := makeImageManifest(t, digest.FromBytes([]byte("cfg")))
	_, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, payload)
	require.True(t, errors.As(err, &ErrManifestTooLarge{}))
}

func TestPutManifestIndex(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{}`))
	childPayload := makeImageManifest(t, config)
	childDgst, err := reg.PutManifest(ctx, "test/repo", childPayload2Ref(childPayload), v1.MediaTypeImageManifest, childPayload)
	require.NoError(t, err)

	indexPayload := makeImageIndex(t, childDgst)
	indexDgst, err := reg.PutManifest(ctx, "test/repo", "multi", v1.MediaTypeImageIndex, indexPayload)
	require.NoError(t, err)

	bundle, err := reg.GetManifest(ctx, "test/repo", "multi")
	require.NoError(t, err)
	assert.Equal(t, indexDgst, bundle.Digest)
	assert.Equal(t, v1.MediaTypeImageIndex, bundle.MediaType)

	// The index records the child as a reference.
	refs, err := reg.Index().ManifestRefs(ctx, indexDgst)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{childDgst}, refs)
}

// childPayload2Ref returns the digest reference string for a payload.
func childPayload2Ref(payload []byte) string {
	return digest.FromBytes(payload).String()
}

func TestPutManifestIndexMissingChild(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	missing := digest.FromBytes([]byte("no such manifest"))
	payload := makeImageIndex(t, missing)

	_, err := reg.PutManifest(ctx, "test/repo", "multi", v1.MediaTypeImageIndex, payload)
	var blobsErr ErrManifestBlobsUnknown
	require.True(t, errors.As(err, &blobsErr))
}

func TestManifestExists(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{}`))
	payload := makeImageManifest(t, config)
	dgst, err := reg.PutManifest(ctx, "test/repo", "v1", v1.MediaTypeImageManifest, payload)
	require.NoError(t, err)

	bundle, err := reg.ManifestExists(ctx, "test/repo", "v1")
	require.NoError(t, err)
	assert.Equal(t, dgst, bundle.Digest)
	assert.Equal(t, int64(len(payload)), bundle.Size)
	assert.Nil(t, bundle.Payload)

	_, err = reg.ManifestExists(ctx, "test/repo", "nope")
	assert.True(t, errors.As(err, &ErrManifestUnknown{}))
}

func TestDeleteManifest(t *testing.T) {
	reg := newTestRegistry(t, Options{DeleteEnabled: true})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{}`))
	payload := makeImageManifest(t, config)
	dgst, err := reg.PutManifest(ctx, "test/repo", "gone", v1.MediaTypeImageManifest, payload)
	require.NoError(t, err)

	require.NoError(t, reg.DeleteManifest(ctx, "test/repo", dgst))

	// Tag and manifest are both gone.
	_, err = reg.GetManifest(ctx, "test/repo", "gone")
	assert.True(t, errors.As(err, &ErrManifestUnknown{}))
	_, err = reg.GetManifest(ctx, "test/repo", dgst.String())
	assert.True(t, errors.As(err, &ErrManifestUnknown{}))

	err = reg.DeleteManifest(ctx, "test/repo", dgst)
	assert.True(t, errors.As(err, &ErrManifestUnknown{}))
}

func TestTagOverwrite(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	ctx := context.Background()

	config := uploadBlob(t, reg, "test/repo", []byte(`{"v":1}`))
	first := makeImageManifest(t, config)
	firstDgst, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, first)
	require.NoError(t, err)

	other := uploadBlob(t, reg, "test/repo", []byte(`{"v":2}`))
	second := makeImageManifest(t, other)
	secondDgst, err := reg.PutManifest(ctx, "test/repo", "latest", v1.MediaTypeImageManifest, second)
	require.NoError(t, err)
	require.NotEqual(t, firstDgst, secondDgst)

	bundle, err := reg.GetManifest(ctx, "test/repo", "latest")
	require.NoError(t, err)
	assert.Equal(t, secondDgst, bundle.Digest)
}
