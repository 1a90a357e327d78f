package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/GhostKellz/ghostdock/registry/storage/driver/filesystem"
	"github.com/GhostKellz/ghostdock/registry/storage/index"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()

	root := t.TempDir()
	driver := filesystem.New(root)

	idx, err := index.Open(filepath.Join(root, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return NewRegistry(driver, idx, opts)
}

func mustDigest(t *testing.T, s string) digest.Digest {
	t.Helper()
	dgst, err := digest.Parse(s)
	require.NoError(t, err)
	return dgst
}

// uploadBlob pushes content through the full upload session lifecycle and
// returns its digest.
func uploadBlob(t *testing.T, reg *Registry, repo string, content []byte) digest.Digest {
	t.Helper()
	ctx := context.Background()

	upload, err := reg.StartUpload(ctx, repo)
	require.NoError(t, err)

	_, err = upload.Append(ctx, bytes.NewReader(content), 0)
	require.NoError(t, err)

	dgst := digest.FromBytes(content)
	desc, err := upload.Commit(ctx, dgst)
	require.NoError(t, err)
	require.Equal(t, dgst, desc.Digest)

	return dgst
}

// makeImageManifest builds a minimal image manifest whose config and layers
// reference the given digests.
func makeImageManifest(t *testing.T, config digest.Digest, layers ...digest.Digest) []byte {
	t.Helper()

	m := v1.Manifest{
		MediaType: v1.MediaTypeImageManifest,
		Config: v1.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    config,
			Size:      1,
		},
	}
	m.SchemaVersion = 2
	for _, layer := range layers {
		m.Layers = append(m.Layers, v1.Descriptor{
			MediaType: v1.MediaTypeImageLayerGzip,
			Digest:    layer,
			Size:      1,
		})
	}

	payload, err := json.Marshal(m)
	require.NoError(t, err)
	return payload
}

// makeImageIndex builds a minimal manifest index referencing the given
// manifest digests.
func makeImageIndex(t *testing.T, manifests ...digest.Digest) []byte {
	t.Helper()

	idx := v1.Index{MediaType: v1.MediaTypeImageIndex}
	idx.SchemaVersion = 2
	for _, m := range manifests {
		idx.Manifests = append(idx.Manifests, v1.Descriptor{
			MediaType: v1.MediaTypeImageManifest,
			Digest:    m,
			Size:      1,
		})
	}

	payload, err := json.Marshal(idx)
	require.NoError(t, err)
	return payload
}
