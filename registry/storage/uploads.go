package storage

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/GhostKellz/ghostdock/internal/dcontext"
	"github.com/GhostKellz/ghostdock/registry/storage/index"
	storagedriver "github.com/GhostKellz/ghostdock/registry/storage/driver"
)

// Upload is a handle on a resumable upload session. All operations on the
// same session id are serialized by a per-session lock, so concurrent
// PATCHes queue rather than interleave.
type Upload struct {
	registry *Registry
	id       string
	repo     string
	size     int64
}

// ID returns the opaque session identifier.
func (u *Upload) ID() string {
	return u.id
}

// Repo returns the repository the session was opened in.
func (u *Upload) Repo() string {
	return u.repo
}

// Size returns the number of bytes committed to the session at the time the
// handle was obtained.
func (u *Upload) Size() int64 {
	return u.size
}

// sessionLocks hands out one mutex per active session id.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sync.Mutex)}
}

func (sl *sessionLocks) lock(id string) *sync.Mutex {
	sl.mu.Lock()
	l, ok := sl.locks[id]
	if !ok {
		l = &sync.Mutex{}
		sl.locks[id] = l
	}
	sl.mu.Unlock()

	l.Lock()
	return l
}

func (sl *sessionLocks) forget(id string) {
	sl.mu.Lock()
	delete(sl.locks, id)
	sl.mu.Unlock()
}

// StartUpload opens a new upload session in repo, creating the staging file
// and the session row.
func (reg *Registry) StartUpload(ctx context.Context, repo string) (*Upload, error) {
	id := uuid.NewString()

	bw, err := newBlobWriter(ctx, reg.blobs, id)
	if err != nil {
		return nil, err
	}
	if err := bw.Close(); err != nil {
		return nil, err
	}

	if err := reg.index.CreateUploadSession(ctx, index.UploadSession{
		ID:          id,
		Repo:        repo,
		StagingPath: stagingPath(id),
	}); err != nil {
		// best effort cleanup of the empty staging file
		if delErr := reg.driver.Delete(ctx, stagingPath(id)); delErr != nil {
			dcontext.GetLogger(ctx).Warnf("cleaning up staging file for failed session %s: %v", id, delErr)
		}
		return nil, err
	}

	dcontext.GetLoggerWithField(ctx, "upload.uuid", id).Debug("upload session started")

	return &Upload{registry: reg, id: id, repo: repo}, nil
}

// ResumeUpload returns a handle on an existing session.
func (reg *Registry) ResumeUpload(ctx context.Context, id string) (*Upload, error) {
	session, err := reg.index.GetUploadSession(ctx, id)
	if err == index.ErrNotFound {
		return nil, ErrUploadUnknown{ID: id}
	} else if err != nil {
		return nil, err
	}

	return &Upload{
		registry: reg,
		id:       session.ID,
		repo:     session.Repo,
		size:     session.Length,
	}, nil
}

// Append writes body bytes to the session. If offset is non-negative it must
// equal the current committed length, otherwise ErrRangeInvalid is returned
// with the committed length for the client to resume from. A negative offset
// appends unconditionally (monolithic uploads and rangeless PATCH).
//
// Returns the new committed length.
func (u *Upload) Append(ctx context.Context, body io.Reader, offset int64) (int64, error) {
	l := u.registry.uploads.lock(u.id)
	defer l.Unlock()

	if _, err := u.registry.index.GetUploadSession(ctx, u.id); err != nil {
		if err == index.ErrNotFound {
			return 0, ErrUploadUnknown{ID: u.id}
		}
		return 0, err
	}

	bw, err := resumeBlobWriter(ctx, u.registry.blobs, u.id)
	if err != nil {
		return 0, err
	}

	if offset >= 0 && offset != bw.Size() {
		size := bw.Size()
		if err := bw.Close(); err != nil {
			dcontext.GetLogger(ctx).Warnf("closing writer after range mismatch: %v", err)
		}
		return size, ErrRangeInvalid{Offset: offset, Size: size}
	}

	remaining := u.registry.maxBlobSize - bw.Size()
	if remaining < 0 {
		remaining = 0
	}

	n, err := bw.ReadFrom(io.LimitReader(body, remaining+1))
	if err != nil {
		bw.Close()
		return bw.Size(), err
	}
	if n > remaining {
		size := bw.Size()
		bw.Close()
		return size, ErrBlobInvalidLength{Reason: "blob exceeds maximum allowed size"}
	}

	size := bw.Size()
	if err := bw.Close(); err != nil {
		return size, err
	}

	if err := u.registry.index.UpdateUploadSession(ctx, u.id, size); err != nil {
		return size, err
	}

	u.size = size
	return size, nil
}

// Commit finalizes the session against the client-provided digest. On
// success the staged bytes are promoted into the blob store and the session
// is removed. On digest mismatch the session is left open so a compliant
// client can cancel (or an optimistic one retry).
func (u *Upload) Commit(ctx context.Context, provided digest.Digest) (v1.Descriptor, error) {
	l := u.registry.uploads.lock(u.id)
	defer l.Unlock()

	if _, err := u.registry.index.GetUploadSession(ctx, u.id); err != nil {
		if err == index.ErrNotFound {
			return v1.Descriptor{}, ErrUploadUnknown{ID: u.id}
		}
		return v1.Descriptor{}, err
	}

	bw, err := resumeBlobWriter(ctx, u.registry.blobs, u.id)
	if err != nil {
		return v1.Descriptor{}, err
	}

	desc, err := bw.Commit(ctx, provided)
	if err != nil {
		bw.Close()
		return v1.Descriptor{}, err
	}

	if err := u.registry.index.DeleteUploadSession(ctx, u.id); err != nil && err != index.ErrNotFound {
		dcontext.GetLogger(ctx).Warnf("removing finalized session %s: %v", u.id, err)
	}
	u.registry.uploads.forget(u.id)

	dcontext.GetLoggerWithFields(ctx, map[string]interface{}{
		"upload.uuid": u.id,
		"blob.digest": desc.Digest.String(),
	}).Debug("upload session finalized")

	return desc, nil
}

// Cancel aborts the session, removing the staged bytes and the session row.
func (u *Upload) Cancel(ctx context.Context) error {
	l := u.registry.uploads.lock(u.id)
	defer l.Unlock()

	if err := u.registry.index.DeleteUploadSession(ctx, u.id); err != nil {
		if err == index.ErrNotFound {
			return ErrUploadUnknown{ID: u.id}
		}
		return err
	}

	if err := u.registry.driver.Delete(ctx, stagingPath(u.id)); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); !ok {
			return err
		}
	}

	u.registry.uploads.forget(u.id)
	return nil
}

// ExpireUploads cancels every session idle longer than ttl, removing staging
// files. It runs as a prelude to garbage collection and periodically in
// serve mode.
func (reg *Registry) ExpireUploads(ctx context.Context, ttl time.Duration) (int, error) {
	sessions, err := reg.index.ExpiredUploadSessions(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	var expired int
	for _, session := range sessions {
		upload := &Upload{registry: reg, id: session.ID, repo: session.Repo}
		if err := upload.Cancel(ctx); err != nil {
			if _, ok := err.(ErrUploadUnknown); ok {
				continue
			}
			return expired, err
		}
		dcontext.GetLoggerWithField(ctx, "upload.uuid", session.ID).Info("expired upload session removed")
		expired++
	}

	return expired, nil
}
