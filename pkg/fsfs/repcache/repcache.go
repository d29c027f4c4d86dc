// Package repcache implements the rep-sharing index spec.md §4.7
// describes: a small embedded SQL database keyed by SHA-1 digest,
// mapping to the on-disk location of an already-written
// representation, used to deduplicate identical content across the
// repository's history.
package repcache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cs3org/revafs/pkg/fsfs/fsfserr"
	"github.com/cs3org/revafs/pkg/fsfs/layout"
	"github.com/cs3org/revafs/pkg/fsfs/rep"
)

const schema = `
CREATE TABLE IF NOT EXISTS rep_cache (
	sha1          TEXT PRIMARY KEY,
	revision      INTEGER NOT NULL,
	offset        INTEGER NOT NULL,
	size          INTEGER NOT NULL,
	expanded_size INTEGER NOT NULL
);
`

// Entry is one rep-sharing index row.
type Entry struct {
	SHA1         [20]byte
	Revision     int64
	Offset       int64
	Size         int64
	ExpandedSize int64
}

// DB wraps the rep-cache's sqlite3 database. One DB per open
// repository.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the rep-cache database named by
// lt.RepCachePath.
func Open(lt *layout.Layout) (*DB, error) {
	sdb, err := sql.Open("sqlite3", lt.RepCachePath())
	if err != nil {
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "open rep-cache database")
	}
	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, fsfserr.Wrap(fsfserr.KindGeneral, err, "create rep-cache schema")
	}
	return &DB{sql: sdb}, nil
}

// Close closes the underlying database handle.
func (db *DB) Close() error { return db.sql.Close() }

// Lookup is tier 3 of spec.md §4.7's lookup order: a plain index
// lookup by SHA-1, with no sanity check against the revision file
// (the caller — pkg/fsfs/rep via the facade — is expected to read back
// the representation header at the returned location and treat a
// mismatch as corrupt).
func (db *DB) Lookup(ctx context.Context, sha1 [20]byte) (Entry, bool, error) {
	row := db.sql.QueryRowContext(ctx,
		`SELECT revision, offset, size, expanded_size FROM rep_cache WHERE sha1 = ?`,
		hex.EncodeToString(sha1[:]))

	var e Entry
	e.SHA1 = sha1
	if err := row.Scan(&e.Revision, &e.Offset, &e.Size, &e.ExpandedSize); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, fsfserr.Wrap(fsfserr.KindGeneral, err, "rep-cache lookup")
	}
	return e, true, nil
}

// LookupLoc is a convenience wrapper returning a rep.Loc directly.
func (db *DB) LookupLoc(ctx context.Context, sha1 [20]byte) (rep.Loc, bool, error) {
	e, ok, err := db.Lookup(ctx, sha1)
	if err != nil || !ok {
		return rep.Loc{}, ok, err
	}
	return rep.Loc{Revision: e.Revision, Offset: e.Offset, Size: e.Size}, true, nil
}

// InsertBatch inserts all of entries in a single transaction using
// insert-or-ignore semantics, per spec.md §4.7: "a concurrent commit
// may have written the same SHA-1 first, which is not an error."
// Called once per commit, after the revision being committed is
// already publicly visible; a failure here must never roll back the
// commit that produced entries.
func (db *DB) InsertBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "begin rep-cache transaction")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO rep_cache (sha1, revision, offset, size, expanded_size) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "prepare rep-cache insert")
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, hex.EncodeToString(e.SHA1[:]), e.Revision, e.Offset, e.Size, e.ExpandedSize); err != nil {
			tx.Rollback()
			return fsfserr.Wrap(fsfserr.KindGeneral, err, "insert rep-cache entry")
		}
	}
	return tx.Commit()
}

// Prune deletes every entry whose revision exceeds maxRevision; used
// by hotcopy after copying a truncated rep-cache database (spec.md
// §4.10: "prune rep-cache entries whose revision exceeds
// DST.youngest").
func (db *DB) Prune(ctx context.Context, maxRevision int64) error {
	_, err := db.sql.ExecContext(ctx, `DELETE FROM rep_cache WHERE revision > ?`, maxRevision)
	if err != nil {
		return fsfserr.Wrap(fsfserr.KindGeneral, err, "prune rep-cache")
	}
	return nil
}

// SidecarName returns the per-transaction sidecar file name
// (tier 2 of spec.md §4.7's lookup order) for a given SHA-1.
func SidecarName(sha1 [20]byte) string {
	return hex.EncodeToString(sha1[:])
}

func (e Entry) String() string {
	return fmt.Sprintf("%s -> r%d@%d+%d (expanded %d)", hex.EncodeToString(e.SHA1[:]), e.Revision, e.Offset, e.Size, e.ExpandedSize)
}
