// Package store is the SQLite-backed resume-state persistence for a
// torrent's piece completion, replacing the teacher's ad hoc
// JSON-on-disk DownloadState with one row per download and one row per
// completed piece.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sql driver

	"github.com/halvorsen/gorent/piecemgr"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	info_hash    TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	output_dir   TEXT NOT NULL,
	total_pieces INTEGER NOT NULL,
	piece_length INTEGER NOT NULL,
	total_length INTEGER NOT NULL,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pieces (
	info_hash   TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	verified_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (info_hash, idx)
);

CREATE TABLE IF NOT EXISTS peers (
	info_hash TEXT NOT NULL,
	addr      TEXT NOT NULL,
	PRIMARY KEY (info_hash, addr)
);
`

// Store is a pure persistence adapter: it has no locking semantics of
// its own. The piece manager remains the sole arbiter of in-memory
// truth. Piece rows are written only from the flush path and read only
// at startup; peer rows are read at startup and written after every
// tracker announce.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if absent) a SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	// SQLite serializes writers; a single connection avoids
	// "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterDownload inserts the download's fixed metadata if it is not
// already present.
func (s *Store) RegisterDownload(ctx context.Context, infoHash [20]byte, name, outputDir string, totalPieces int, pieceLength, totalLength int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO downloads (info_hash, name, output_dir, total_pieces, piece_length, total_length)
		VALUES (?, ?, ?, ?, ?, ?)
	`, hashKey(infoHash), name, outputDir, totalPieces, pieceLength, totalLength)
	if err != nil {
		return fmt.Errorf("store: registering download: %w", err)
	}
	return nil
}

// SaveBitfield persists every set bit of bf as a verified piece,
// satisfying piecemgr.ResumeStore. It is idempotent: re-saving an
// already-persisted index is a no-op.
func (s *Store) SaveBitfield(ctx context.Context, infoHash [20]byte, bf piecemgr.Bitfield) error {
	key := hashKey(infoHash)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR IGNORE INTO pieces (info_hash, idx, verified_at) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := 0; i < len(bf)*8; i++ {
		if !bf.Get(i) {
			continue
		}
		if _, err := stmt.ExecContext(ctx, key, i, now); err != nil {
			return fmt.Errorf("store: persisting piece %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing: %w", err)
	}
	return nil
}

// LoadBitfield rebuilds a bitfield from every piece row persisted for
// infoHash, satisfying piecemgr.ResumeStore. found is false when no
// download row exists for infoHash at all.
func (s *Store) LoadBitfield(ctx context.Context, infoHash [20]byte) (piecemgr.Bitfield, bool, error) {
	key := hashKey(infoHash)

	var totalPieces int
	err := s.db.GetContext(ctx, &totalPieces, `SELECT total_pieces FROM downloads WHERE info_hash = ?`, key)
	if err != nil {
		return nil, false, nil
	}

	var indices []int
	if err := s.db.SelectContext(ctx, &indices, `SELECT idx FROM pieces WHERE info_hash = ?`, key); err != nil {
		return nil, false, fmt.Errorf("store: loading pieces: %w", err)
	}

	bf := piecemgr.NewBitfield(totalPieces)
	for _, idx := range indices {
		bf.Set(idx)
	}
	return bf, true, nil
}

// KnownPeers returns the peer addresses previously recorded for
// infoHash. This supplements spec.md §9's silence on cross-restart
// peer memory: the tracker is always re-announced to on startup, but a
// daemon resuming a long-paused download benefits from dialing
// previously-known peers immediately rather than waiting on that
// first announce round trip.
func (s *Store) KnownPeers(ctx context.Context, infoHash [20]byte) ([]string, error) {
	var peers []string
	err := s.db.SelectContext(ctx, &peers, `SELECT addr FROM peers WHERE info_hash = ?`, hashKey(infoHash))
	if err != nil {
		return nil, fmt.Errorf("store: loading peers: %w", err)
	}
	return peers, nil
}

// RecordPeers upserts addrs as known peers for infoHash.
func (s *Store) RecordPeers(ctx context.Context, infoHash [20]byte, addrs []string) error {
	key := hashKey(infoHash)
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `INSERT OR IGNORE INTO peers (info_hash, addr) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, addr := range addrs {
		if _, err := stmt.ExecContext(ctx, key, addr); err != nil {
			return fmt.Errorf("store: recording peer %q: %w", addr, err)
		}
	}
	return tx.Commit()
}

func hashKey(infoHash [20]byte) string {
	return hex.EncodeToString(infoHash[:])
}
