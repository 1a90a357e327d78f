package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
)

// GCOpts contains options for the garbage collector.
type GCOpts struct {
	// DryRun reports what would be deleted without deleting anything.
	DryRun bool

	// SafetyHorizon is the minimum age a blob must have before it can be
	// swept. Blobs younger than this may belong to an in-flight manifest
	// put whose references are on disk but not yet linked in the index.
	SafetyHorizon time.Duration

	// SessionTTL expires upload sessions idle longer than this before the
	// sweep, reclaiming their staging files.
	SessionTTL time.Duration
}

// GCStats summarizes a garbage collection run.
type GCStats struct {
	SessionsExpired  int
	ManifestsDeleted int
	BlobsDeleted     int
	BytesFreed       int64
}

// MarkAndSweep removes all blobs not transitively reachable from a tag.
//
// Mark: every tagged manifest digest is a root; the reachable set is closed
// over manifest_refs (indexes reference child manifests, which reference
// their own blobs). Sweep: blobs on disk outside the reachable set and older
// than the safety horizon are deleted, and index rows of unreachable
// manifests are dropped.
//
// The collector is safe to run online. The safety horizon is the only
// protection for blobs that are committed but not yet referenced; manifest
// put re-checks its manifest row inside the tag transaction, so the
// combination never tears an accepted manifest.
func MarkAndSweep(ctx context.Context, reg *Registry, opts GCOpts) (GCStats, error) {
	var stats GCStats
	log := dcontext.GetLogger(ctx)

	if opts.SessionTTL > 0 {
		expired, err := reg.ExpireUploads(ctx, opts.SessionTTL)
		if err != nil {
			return stats, fmt.Errorf("expiring upload sessions: %w", err)
		}
		stats.SessionsExpired = expired
	}

	// mark
	roots, err := reg.index.TaggedManifests(ctx)
	if err != nil {
		return stats, fmt.Errorf("enumerating tagged manifests: %w", err)
	}

	markSet := make(map[digest.Digest]struct{})
	queue := append([]digest.Digest(nil), roots...)
	for len(queue) > 0 {
		dgst := queue[0]
		queue = queue[1:]

		if _, marked := markSet[dgst]; marked {
			continue
		}
		markSet[dgst] = struct{}{}
		log.Debugf("gc: marking %s", dgst)

		refs, err := reg.index.ManifestRefs(ctx, dgst)
		if err != nil {
			return stats, fmt.Errorf("resolving references of %s: %w", dgst, err)
		}
		queue = append(queue, refs...)
	}

	horizon := time.Now().Add(-opts.SafetyHorizon)

	// drop index rows of unreachable manifests
	manifests, err := reg.index.Manifests(ctx)
	if err != nil {
		return stats, fmt.Errorf("enumerating manifests: %w", err)
	}
	for _, m := range manifests {
		if _, marked := markSet[m.Digest]; marked {
			continue
		}
		// A child manifest pushed by digest sits unreferenced until its
		// tagged index lands; the horizon spares its row the same way it
		// spares fresh blobs.
		if m.CreatedAt.After(horizon) {
			log.Debugf("gc: manifest %s unreachable but within safety horizon, skipping", m.Digest)
			continue
		}
		log.Infof("gc: manifest %s eligible for deletion", m.Digest)
		if !opts.DryRun {
			if err := reg.index.DeleteManifest(ctx, m.Digest); err != nil {
				return stats, fmt.Errorf("deleting manifest row %s: %w", m.Digest, err)
			}
		}
		stats.ManifestsDeleted++
	}

	// sweep
	err = reg.blobs.Enumerate(ctx, func(info BlobInfo) error {
		if _, marked := markSet[info.Digest]; marked {
			return nil
		}
		if info.ModTime.After(horizon) {
			log.Debugf("gc: blob %s unreachable but within safety horizon, skipping", info.Digest)
			return nil
		}

		log.Infof("gc: blob %s eligible for deletion (%d bytes)", info.Digest, info.Size)
		if !opts.DryRun {
			if err := reg.blobs.Delete(ctx, info.Digest); err != nil {
				return fmt.Errorf("deleting blob %s: %w", info.Digest, err)
			}
		}
		stats.BlobsDeleted++
		stats.BytesFreed += info.Size
		return nil
	})
	if err != nil {
		return stats, err
	}

	log.Infof("gc: complete: %d sessions expired, %d manifests, %d blobs, %d bytes",
		stats.SessionsExpired, stats.ManifestsDeleted, stats.BlobsDeleted, stats.BytesFreed)

	return stats, nil
}
