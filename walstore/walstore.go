// Package walstore is the default WAL implementation: a single SQLite
// file holding the latest StateInfo snapshot and every full block
// fetched or proposed for the replica's current height. A small schema
// and straight database/sql calls, no ORM, adapted to gob-encode the
// two payload shapes this core actually needs to persist.
package walstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cryptape/overlord/consensus"
	"github.com/cryptape/overlord/stateinfo"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_snapshot (
	id INTEGER PRIMARY KEY CHECK (id = 0),
	data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS full_block (
	height INTEGER NOT NULL,
	hash TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (height, hash)
);
`

// Store is a SQLite-backed WAL. The zero value is not usable; construct
// one with Open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures its schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("walstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("walstore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveState implements smr.WAL.
func (s *Store) SaveState(snap stateinfo.StateInfo) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("walstore: encode state: %w", err)
	}
	_, err := s.db.Exec(
		`INSERT INTO state_snapshot (id, data) VALUES (0, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		buf.Bytes(),
	)
	if err != nil {
		return fmt.Errorf("walstore: save state: %w", err)
	}
	return nil
}

// LoadState implements smr.WAL.
func (s *Store) LoadState() (stateinfo.StateInfo, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM state_snapshot WHERE id = 0`).Scan(&data)
	if err == sql.ErrNoRows {
		return stateinfo.StateInfo{}, false, nil
	}
	if err != nil {
		return stateinfo.StateInfo{}, false, fmt.Errorf("walstore: load state: %w", err)
	}

	var snap stateinfo.StateInfo
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return stateinfo.StateInfo{}, false, fmt.Errorf("walstore: decode state: %w", err)
	}
	return snap, true, nil
}

// SaveFullBlock implements smr.WAL.
func (s *Store) SaveFullBlock(fb consensus.FetchedFullBlock) error {
	_, err := s.db.Exec(
		`INSERT INTO full_block (height, hash, payload) VALUES (?, ?, ?)
		 ON CONFLICT(height, hash) DO UPDATE SET payload = excluded.payload`,
		int64(fb.Height), string(fb.Hash), fb.Payload,
	)
	if err != nil {
		return fmt.Errorf("walstore: save full block: %w", err)
	}
	return nil
}

// LoadFullBlocks implements smr.WAL.
func (s *Store) LoadFullBlocks(height consensus.Height) ([]consensus.FetchedFullBlock, error) {
	rows, err := s.db.Query(`SELECT hash, payload FROM full_block WHERE height = ?`, int64(height))
	if err != nil {
		return nil, fmt.Errorf("walstore: load full blocks: %w", err)
	}
	defer rows.Close()

	var out []consensus.FetchedFullBlock
	for rows.Next() {
		var hash string
		var payload []byte
		if err := rows.Scan(&hash, &payload); err != nil {
			return nil, fmt.Errorf("walstore: scan full block row: %w", err)
		}
		out = append(out, consensus.FetchedFullBlock{Height: height, Hash: consensus.Hash(hash), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("walstore: iterate full block rows: %w", err)
	}
	return out, nil
}

// Prune deletes full blocks strictly below height, called after a commit
// advances the replica past them.
func (s *Store) Prune(height consensus.Height) error {
	_, err := s.db.Exec(`DELETE FROM full_block WHERE height < ?`, int64(height))
	if err != nil {
		return fmt.Errorf("walstore: prune: %w", err)
	}
	return nil
}
