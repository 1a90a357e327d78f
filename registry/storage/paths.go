package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// The path layout in the storage backend is as follows:
//
//	<root>/
//		-> blobs/
//			<algorithm>/
//				<first two hex bytes of digest>/
//					<hex digest>/
//						-> data
//		-> staging/
//			<session uuid>
//
// The blob tree is the content-addressable store. The two-character fan-out
// under the algorithm directory keeps any single directory from growing to
// millions of entries. The presence of the "data" file is the commit point
// for a blob: it is only ever created by an atomic rename out of staging.
//
// The staging directory holds in-flight upload session files, keyed by the
// opaque session id. Staging files left behind by crashes are reaped by
// upload session expiry.

const (
	blobsPrefix   = "blobs"
	stagingPrefix = "staging"
)

// blobDataPath returns the path of the committed data file for dgst.
func blobDataPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	return path.Join(blobsPrefix, dgst.Algorithm().String(), hex[:2], hex, "data")
}

// blobAlgorithmPath returns the directory holding all blobs of an algorithm.
func blobAlgorithmPath(alg digest.Algorithm) string {
	return path.Join(blobsPrefix, alg.String())
}

// stagingPath returns the staging file path for an upload session id.
func stagingPath(id string) string {
	return path.Join(stagingPrefix, id)
}

// blobDigestFromPath recovers a digest from a committed data file path. It
// is the inverse of blobDataPath and is used when walking the blob tree.
func blobDigestFromPath(p string) (digest.Digest, error) {
	parts := strings.Split(path.Clean(p), "/")
	// blobs/<algorithm>/<prefix>/<hex>/data
	if len(parts) != 5 || parts[0] != blobsPrefix || parts[4] != "data" {
		return "", fmt.Errorf("not a blob data path: %q", p)
	}

	dgst := digest.NewDigestFromEncoded(digest.Algorithm(parts[1]), parts[3])
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest in path %q: %w", p, err)
	}

	return dgst, nil
}
