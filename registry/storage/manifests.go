package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/storage/index"
)

// Media types of the Docker scheme manifests accepted alongside the OCI
// ones. The payload shapes are compatible with the OCI structs.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// manifestMediaTypes is the recognized set. Anything else is rejected on
// put; clients pushing exotic artifact types must advertise one of these.
var manifestMediaTypes = map[string]bool{
	v1.MediaTypeImageManifest:   true,
	v1.MediaTypeImageIndex:      true,
	MediaTypeDockerManifest:     true,
	MediaTypeDockerManifestList: true,
}

// IsManifestMediaType reports whether mediaType names a storable manifest.
func IsManifestMediaType(mediaType string) bool {
	return manifestMediaTypes[mediaType]
}

// isIndexMediaType reports whether the manifest is a list of child
// manifests rather than a single image.
func isIndexMediaType(mediaType string) bool {
	return mediaType == v1.MediaTypeImageIndex || mediaType == MediaTypeDockerManifestList
}

// ManifestBundle is a stored manifest together with the metadata needed to
// serve it.
type ManifestBundle struct {
	Digest    digest.Digest
	MediaType string
	Size      int64

	// Payload is nil on existence checks.
	Payload []byte
}

// PutManifest validates and stores a manifest payload under repo, updating
// the tag pointer when reference is a tag name.
//
// Every digest the manifest references must already be present in the blob
// store; the put fails with ErrManifestBlobsUnknown listing the missing ones
// otherwise. The payload itself is stored as a blob through the usual
// dedup path, then recorded in the metadata index in a single transaction
// with the tag update.
func (reg *Registry) PutManifest(ctx context.Context, repo, reference, mediaType string, payload []byte) (digest.Digest, error) {
	if int64(len(payload)) > reg.maxManifestSize {
		return "", ErrManifestTooLarge{Size: int64(len(payload)), Limit: reg.maxManifestSize}
	}

	if mediaType == "" {
		mediaType = sniffMediaType(payload)
	}
	if !IsManifestMediaType(mediaType) {
		return "", ErrManifestInvalid{Reason: fmt.Errorf("unrecognized manifest media type %q", mediaType)}
	}

	dgst := digest.Canonical.FromBytes(payload)

	// A digest reference must name the payload it carries.
	if refDgst, err := digest.Parse(reference); err == nil {
		if refDgst != dgst {
			return "", ErrDigestMismatch{Provided: refDgst, Actual: dgst}
		}
		reference = ""
	}

	refs, err := extractReferences(mediaType, payload)
	if err != nil {
		return "", ErrManifestInvalid{Reason: err}
	}

	var missing []digest.Digest
	for _, ref := range refs {
		exists, err := reg.blobs.Exists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !exists {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		return "", ErrManifestBlobsUnknown{Digests: missing}
	}

	if err := reg.writeManifestBlob(ctx, dgst, payload); err != nil {
		return "", err
	}

	if err := reg.index.EnsureRepository(ctx, repo); err != nil {
		return "", err
	}
	if err := reg.index.PutManifest(ctx, dgst, mediaType, repo, refs); err != nil {
		return "", err
	}

	if reference != "" {
		// The tag transaction re-checks the manifest row, closing the window
		// against a concurrent garbage collection.
		if err := reg.index.PutTag(ctx, repo, reference, dgst); err != nil {
			if err == index.ErrManifestUnknown {
				return "", ErrManifestUnknown{Name: repo, Reference: dgst.String()}
			}
			return "", err
		}
	}

	dcontext.GetLoggerWithFields(ctx, map[string]interface{}{
		"manifest.digest": dgst.String(),
		"repo":            repo,
	}).Info("manifest stored")

	return dgst, nil
}

// writeManifestBlob stores the payload through the staging/commit path so
// manifest bodies share the dedup behavior of layer blobs.
func (reg *Registry) writeManifestBlob(ctx context.Context, dgst digest.Digest, payload []byte) error {
	if exists, err := reg.blobs.Exists(ctx, dgst); err != nil {
		return err
	} else if exists {
		return nil
	}

	bw, err := newBlobWriter(ctx, reg.blobs, uuid.NewString())
	if err != nil {
		return err
	}

	if _, err := bw.Write(payload); err != nil {
		bw.Cancel(ctx)
		return err
	}

	if _, err := bw.Commit(ctx, dgst); err != nil {
		return err
	}

	return nil
}

// GetManifest resolves reference (tag or digest) in repo and returns the
// stored manifest. The payload is verified against its digest on every read;
// a mismatch surfaces as ErrBlobCorrupted.
func (reg *Registry) GetManifest(ctx context.Context, repo, reference string) (*ManifestBundle, error) {
	dgst, err := reg.resolveManifestReference(ctx, repo, reference)
	if err != nil {
		return nil, err
	}

	m, err := reg.index.GetManifest(ctx, dgst)
	if err != nil {
		if err == index.ErrNotFound {
			return nil, ErrManifestUnknown{Name: repo, Reference: reference}
		}
		return nil, err
	}

	payload, err := reg.blobs.Get(ctx, dgst)
	if err != nil {
		if _, ok := err.(ErrBlobUnknown); ok {
			return nil, ErrManifestUnknown{Name: repo, Reference: reference}
		}
		return nil, err
	}

	return &ManifestBundle{
		Digest:    dgst,
		MediaType: m.MediaType,
		Size:      int64(len(payload)),
		Payload:   payload,
	}, nil
}

// ManifestExists reports whether reference resolves to a stored manifest.
func (reg *Registry) ManifestExists(ctx context.Context, repo, reference string) (*ManifestBundle, error) {
	dgst, err := reg.resolveManifestReference(ctx, repo, reference)
	if err != nil {
		return nil, err
	}

	m, err := reg.index.GetManifest(ctx, dgst)
	if err != nil {
		if err == index.ErrNotFound {
			return nil, ErrManifestUnknown{Name: repo, Reference: reference}
		}
		return nil, err
	}

	desc, err := reg.blobs.Stat(ctx, dgst)
	if err != nil {
		if _, ok := err.(ErrBlobUnknown); ok {
			return nil, ErrManifestUnknown{Name: repo, Reference: reference}
		}
		return nil, err
	}

	return &ManifestBundle{
		Digest:    dgst,
		MediaType: m.MediaType,
		Size:      desc.Size,
	}, nil
}

// DeleteManifest removes the manifest row and every tag pointing at it. The
// blob content remains until the garbage collector reclaims it.
func (reg *Registry) DeleteManifest(ctx context.Context, repo string, dgst digest.Digest) error {
	if err := reg.index.DeleteManifest(ctx, dgst); err != nil {
		if err == index.ErrNotFound {
			return ErrManifestUnknown{Name: repo, Reference: dgst.String()}
		}
		return err
	}
	return nil
}

func (reg *Registry) resolveManifestReference(ctx context.Context, repo, reference string) (digest.Digest, error) {
	if dgst, err := digest.Parse(reference); err == nil {
		return dgst, nil
	}

	dgst, err := reg.index.GetTag(ctx, repo, reference)
	if err != nil {
		if err == index.ErrNotFound {
			return "", ErrManifestUnknown{Name: repo, Reference: reference}
		}
		return "", err
	}
	return dgst, nil
}

// sniffMediaType pulls the mediaType field out of the payload for clients
// that omit the Content-Type header.
func sniffMediaType(payload []byte) string {
	var peek struct {
		MediaType string `json:"mediaType"`
	}
	if err := json.Unmarshal(payload, &peek); err != nil {
		return ""
	}
	return peek.MediaType
}

// extractReferences returns the digests a manifest depends on: config and
// layers for image manifests, child manifests for indexes.
func extractReferences(mediaType string, payload []byte) ([]digest.Digest, error) {
	if isIndexMediaType(mediaType) {
		var idx v1.Index
		if err := json.Unmarshal(payload, &idx); err != nil {
			return nil, err
		}

		refs := make([]digest.Digest, 0, len(idx.Manifests))
		for _, m := range idx.Manifests {
			if err := m.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("invalid child manifest digest %q: %w", m.Digest, err)
			}
			refs = append(refs, m.Digest)
		}
		return refs, nil
	}

	var m v1.Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}

	if err := m.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config digest %q: %w", m.Config.Digest, err)
	}

	refs := make([]digest.Digest, 0, len(m.Layers)+1)
	refs = append(refs, m.Config.Digest)
	for _, layer := range m.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("invalid layer digest %q: %w", layer.Digest, err)
		}
		refs = append(refs, layer.Digest)
	}
	return refs, nil
}
