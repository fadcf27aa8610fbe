// Package cache manages the persistent sources directory: a digest memo for
// downloaded artifacts, the cross-process lock, and garbage collection.
package cache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/Lunarequest/faebuild/internal/checksum"
)

// StateDir is the bookkeeping directory inside the sources directory.
const StateDir = ".faebuild"

// Index memoizes artifact digests keyed by (name, algorithm, size, mtime)
// so an unchanged artifact is not rehashed on every build.
type Index struct {
	db  *sql.DB
	dir string
}

const schema = `
CREATE TABLE IF NOT EXISTS artifact_digest (
	name TEXT NOT NULL,
	algo TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	digest TEXT NOT NULL,
	PRIMARY KEY (name, algo)
);
`

// Open opens or creates the index for sourcesDir.
// The database is stored at {sourcesDir}/.faebuild/cache.db
func Open(sourcesDir string) (*Index, error) {
	stateDir := filepath.Join(sourcesDir, StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache state dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(stateDir, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying cache schema: %w", err)
	}
	return &Index{db: db, dir: sourcesDir}, nil
}

// Close closes the index database.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

// Digest returns the digest of the artifact name under the sources
// directory, from the memo when its size and mtime are unchanged.
func (x *Index) Digest(name string, algo checksum.Algorithm) (string, error) {
	path := filepath.Join(x.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", &checksum.IOError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, checksum.ErrNotAFile)
	}
	size := info.Size()
	mtime := info.ModTime().UnixNano()

	var cachedSize, cachedMtime int64
	var cachedDigest string
	err = x.db.QueryRow(
		"SELECT size, mtime, digest FROM artifact_digest WHERE name = ? AND algo = ?",
		name, algo.String(),
	).Scan(&cachedSize, &cachedMtime, &cachedDigest)
	if err == nil && cachedSize == size && cachedMtime == mtime {
		return cachedDigest, nil
	}

	digest, err := checksum.DigestWith(algo, path)
	if err != nil {
		return "", err
	}

	// The memo is best-effort; a failed write only costs a rehash next time.
	_, _ = x.db.Exec(
		`INSERT OR REPLACE INTO artifact_digest (name, algo, size, mtime, digest)
		 VALUES (?, ?, ?, ?, ?)`,
		name, algo.String(), size, mtime, digest,
	)
	return digest, nil
}

// Forget drops every memo row for name.
func (x *Index) Forget(name string) error {
	_, err := x.db.Exec("DELETE FROM artifact_digest WHERE name = ?", name)
	return err
}

// Entries returns the number of memoized digests.
func (x *Index) Entries() (int64, error) {
	var count int64
	err := x.db.QueryRow("SELECT COUNT(*) FROM artifact_digest").Scan(&count)
	return count, err
}
