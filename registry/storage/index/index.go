// Package index implements the registry metadata index on a single-file
// SQLite database. It records the mutable relations of the registry:
// repositories, tag pointers, manifest rows with their referenced digests,
// and in-flight upload sessions. Immutable blob content never passes through
// here; it lives in the content-addressed blob store.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a requested row does not exist. Callers
// translate it into their own typed errors.
var ErrNotFound = errors.New("index: not found")

// ErrManifestUnknown is returned by PutTag when the manifest digest the tag
// should point at has no manifest row.
var ErrManifestUnknown = errors.New("index: tag target manifest unknown")

// Store is the metadata index handle. It is safe for concurrent use; write
// transactions are serialized by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the index database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS repositories (
			name TEXT PRIMARY KEY,
			public INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifests (
			digest TEXT PRIMARY KEY,
			media_type TEXT NOT NULL,
			repo TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			repo TEXT NOT NULL,
			name TEXT NOT NULL,
			manifest_digest TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (repo, name),
			FOREIGN KEY (repo) REFERENCES repositories (name) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS manifest_refs (
			manifest_digest TEXT NOT NULL,
			referenced_digest TEXT NOT NULL,
			PRIMARY KEY (manifest_digest, referenced_digest),
			FOREIGN KEY (manifest_digest) REFERENCES manifests (digest) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS upload_sessions (
			id TEXT PRIMARY KEY,
			repo TEXT NOT NULL,
			length INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			staging_path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_manifest ON tags (manifest_digest)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_referenced ON manifest_refs (referenced_digest)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating index schema: %w", err)
		}
	}

	return nil
}

// transaction runs fn inside a database transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Repository is a row of the repositories table.
type Repository struct {
	Name      string
	Public    bool
	CreatedAt time.Time
}

// EnsureRepository creates the repository row if it does not exist yet.
// Repositories come into being implicitly on first successful write.
func (s *Store) EnsureRepository(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories (name, public, created_at) VALUES (?, 0, ?)
		 ON CONFLICT (name) DO NOTHING`, name, time.Now().UTC())
	return err
}

// GetRepository returns the repository row, or ErrNotFound.
func (s *Store) GetRepository(ctx context.Context, name string) (Repository, error) {
	var repo Repository
	var public int
	err := s.db.QueryRowContext(ctx,
		`SELECT name, public, created_at FROM repositories WHERE name = ?`, name).
		Scan(&repo.Name, &public, &repo.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, ErrNotFound
	} else if err != nil {
		return Repository{}, err
	}
	repo.Public = public != 0
	return repo, nil
}

// SetRepositoryPublic flips the anonymous-pull flag on a repository.
func (s *Store) SetRepositoryPublic(ctx context.Context, name string, public bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET public = ? WHERE name = ?`, boolToInt(public), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRepository removes a repository and its tags. Manifests and blobs
// are left for the garbage collector.
func (s *Store) DeleteRepository(ctx context.Context, name string) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE repo = ?`, name); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM repositories WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Repositories returns up to n repository names lexically after last, and
// whether more remain. n <= 0 returns all.
func (s *Store) Repositories(ctx context.Context, n int, last string) ([]string, bool, error) {
	return s.pagedNames(ctx,
		`SELECT name FROM repositories WHERE name > ? ORDER BY name LIMIT ?`, last, n)
}

// Tags returns up to n tag names of repo lexically after last, and whether
// more remain. The repository must exist.
func (s *Store) Tags(ctx context.Context, repo string, n int, last string) ([]string, bool, error) {
	if _, err := s.GetRepository(ctx, repo); err != nil {
		return nil, false, err
	}
	return s.pagedNames(ctx,
		`SELECT name FROM tags WHERE repo = ? AND name > ? ORDER BY name LIMIT ?`, repo, last, n)
}

// pagedNames implements keyset pagination: fetch one row beyond the limit to
// learn whether a next page exists.
func (s *Store) pagedNames(ctx context.Context, query string, args ...interface{}) ([]string, bool, error) {
	n := args[len(args)-1].(int)
	limit := n + 1
	if n <= 0 {
		limit = -1
	}
	args[len(args)-1] = limit

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, false, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if n > 0 && len(names) > n {
		return names[:n], true, nil
	}
	return names, false, nil
}

// Manifest is a row of the manifests table.
type Manifest struct {
	Digest    digest.Digest
	MediaType string
	Repo      string
	CreatedAt time.Time
}

// PutManifest records a manifest and its referenced digests. Re-putting an
// existing digest refreshes the reference set, which is idempotent because
// references are derived from the immutable payload.
func (s *Store) PutManifest(ctx context.Context, dgst digest.Digest, mediaType, repo string, refs []digest.Digest) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO manifests (digest, media_type, repo, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (digest) DO UPDATE SET media_type = excluded.media_type`,
			dgst.String(), mediaType, repo, time.Now().UTC())
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM manifest_refs WHERE manifest_digest = ?`, dgst.String()); err != nil {
			return err
		}

		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO manifest_refs (manifest_digest, referenced_digest) VALUES (?, ?)
				 ON CONFLICT DO NOTHING`, dgst.String(), ref.String()); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetManifest returns the manifest row for dgst, or ErrNotFound.
func (s *Store) GetManifest(ctx context.Context, dgst digest.Digest) (Manifest, error) {
	var m Manifest
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest, media_type, repo, created_at FROM manifests WHERE digest = ?`, dgst.String()).
		Scan(&d, &m.MediaType, &m.Repo, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, ErrNotFound
	} else if err != nil {
		return Manifest{}, err
	}
	m.Digest = digest.Digest(d)
	return m, nil
}

// DeleteManifest removes the manifest row, its reference rows, and every tag
// pointing at it, across all repositories. The manifest blob itself is left
// to the garbage collector.
func (s *Store) DeleteManifest(ctx context.Context, dgst digest.Digest) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tags WHERE manifest_digest = ?`, dgst.String()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM manifest_refs WHERE manifest_digest = ?`, dgst.String()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM manifests WHERE digest = ?`, dgst.String())
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ManifestRefs returns the digests directly referenced by a manifest.
func (s *Store) ManifestRefs(ctx context.Context, dgst digest.Digest) ([]digest.Digest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT referenced_digest FROM manifest_refs WHERE manifest_digest = ?`, dgst.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []digest.Digest
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		refs = append(refs, digest.Digest(d))
	}
	return refs, rows.Err()
}

// PutTag points (repo, tag) at a manifest digest. The write is a single
// transaction containing an existence check on the manifest row, so a
// concurrent garbage collection cannot observe a tag to a manifest it has
// already swept.
func (s *Store) PutTag(ctx context.Context, repo, tag string, dgst digest.Digest) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM manifests WHERE digest = ?`, dgst.String()).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrManifestUnknown
		} else if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repositories (name, public, created_at) VALUES (?, 0, ?)
			 ON CONFLICT (name) DO NOTHING`, repo, time.Now().UTC()); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO tags (repo, name, manifest_digest, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (repo, name) DO UPDATE SET
				manifest_digest = excluded.manifest_digest,
				updated_at = excluded.updated_at`,
			repo, tag, dgst.String(), time.Now().UTC())
		return err
	})
}

// GetTag resolves (repo, tag) to a manifest digest, or ErrNotFound.
func (s *Store) GetTag(ctx context.Context, repo, tag string) (digest.Digest, error) {
	var d string
	err := s.db.QueryRowContext(ctx,
		`SELECT manifest_digest FROM tags WHERE repo = ? AND name = ?`, repo, tag).Scan(&d)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return digest.Digest(d), nil
}

// TaggedManifests returns the distinct set of manifest digests referenced by
// at least one tag. These are the garbage collection roots.
func (s *Store) TaggedManifests(ctx context.Context) ([]digest.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT manifest_digest FROM tags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dgsts []digest.Digest
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dgsts = append(dgsts, digest.Digest(d))
	}
	return dgsts, rows.Err()
}

// Manifests returns all recorded manifest rows. Used by the garbage
// collector to drop index rows for unreachable manifests.
func (s *Store) Manifests(ctx context.Context) ([]Manifest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT digest, media_type, repo, created_at FROM manifests`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var manifests []Manifest
	for rows.Next() {
		var m Manifest
		var d string
		if err := rows.Scan(&d, &m.MediaType, &m.Repo, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Digest = digest.Digest(d)
		manifests = append(manifests, m)
	}
	return manifests, rows.Err()
}

// UploadSession is a row of the upload_sessions table.
type UploadSession struct {
	ID             string
	Repo           string
	Length         int64
	CreatedAt      time.Time
	LastActivityAt time.Time
	StagingPath    string
}

// CreateUploadSession records a new upload session.
func (s *Store) CreateUploadSession(ctx context.Context, session UploadSession) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (id, repo, length, created_at, last_activity_at, staging_path)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.Repo, session.Length, now, now, session.StagingPath)
	return err
}

// GetUploadSession returns the session row, or ErrNotFound.
func (s *Store) GetUploadSession(ctx context.Context, id string) (UploadSession, error) {
	var session UploadSession
	err := s.db.QueryRowContext(ctx,
		`SELECT id, repo, length, created_at, last_activity_at, staging_path
		 FROM upload_sessions WHERE id = ?`, id).
		Scan(&session.ID, &session.Repo, &session.Length, &session.CreatedAt,
			&session.LastActivityAt, &session.StagingPath)
	if errors.Is(err, sql.ErrNoRows) {
		return UploadSession{}, ErrNotFound
	} else if err != nil {
		return UploadSession{}, err
	}
	return session, nil
}

// UpdateUploadSession records the new committed length and bumps the
// activity timestamp.
func (s *Store) UpdateUploadSession(ctx context.Context, id string, length int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_sessions SET length = ?, last_activity_at = ? WHERE id = ?`,
		length, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUploadSession removes the session row.
func (s *Store) DeleteUploadSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredUploadSessions returns sessions whose last activity is older than
// the cutoff.
func (s *Store) ExpiredUploadSessions(ctx context.Context, cutoff time.Time) ([]UploadSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, repo, length, created_at, last_activity_at, staging_path
		 FROM upload_sessions WHERE last_activity_at < ?`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []UploadSession
	for rows.Next() {
		var session UploadSession
		if err := rows.Scan(&session.ID, &session.Repo, &session.Length, &session.CreatedAt,
			&session.LastActivityAt, &session.StagingPath); err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
