// Package checkpoint persists and restores table state across iterations,
// backed by an embedded badger.DB (the same library and "open, defer
// Close, Update/View with a txn" idiom as Voskan-arena-cache's disk_eject
// example) in place of a literal write-to-temp-file-then-rename: a badger
// transaction commit gives the same atomicity guarantee a rename does, so
// one durable key per (table_id, shard, iteration) replaces one file per
// tuple.
package checkpoint

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrCheckpointIncomplete is returned by Verify (which coordinator.Restore
// runs before broadcasting RESTORE) when the manifest references a
// (table, shard) the store has no record for —
// treated as fatal, since a partial restore would silently run a job
// against incomplete state.
var ErrCheckpointIncomplete = errors.New("checkpoint: manifest references missing (table, shard) entry")

// ErrNoManifest is returned by ReadManifest when no checkpoint has ever
// been committed — the normal cold-start path, not a failure.
var ErrNoManifest = errors.New("checkpoint: no manifest committed")

const manifestKey = "manifest/current"

// Store wraps a badger.DB with the checkpoint key-space conventions this
// engine uses.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger database rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger at %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func dataKey(tableID, shard, iteration int) []byte {
	return []byte(fmt.Sprintf("data/%d/%d/%d", tableID, shard, iteration))
}

// Header is written alongside the serialized Local bytes so a restore can
// validate it's decoding the shape it expects before touching table state.
type Header struct {
	TableID   int    `json:"table_id"`
	Shard     int    `json:"shard"`
	Iteration int    `json:"iteration"`
	KeyType   string `json:"key_type"`
	ValueType string `json:"value_type"`
}

// WriteShard durably stores the serialized bytes of one (table, shard) at
// iteration, tagged with header, inside a single badger transaction.
func (s *Store) WriteShard(header Header, payload []byte) error {
	key := dataKey(header.TableID, header.Shard, header.Iteration)
	rec, err := encodeRecord(header, payload)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, rec)
	})
}

// ReadShard returns the header and payload bytes previously written for
// (tableID, shard, iteration).
func (s *Store) ReadShard(tableID, shard, iteration int) (Header, []byte, error) {
	var header Header
	var payload []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dataKey(tableID, shard, iteration))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			h, p, err := decodeRecord(val)
			if err != nil {
				return err
			}
			header, payload = h, p
			return nil
		})
	})
	if err != nil {
		return Header{}, nil, fmt.Errorf("checkpoint: read shard: %w", err)
	}
	return header, payload, nil
}

// Manifest records which (table_id, shard) pairs a checkpoint covers and at
// which iteration, the Go analogue of Piccolo's CheckpointInfo.
type Manifest struct {
	Iteration int             `json:"iteration"`
	Entries   []ManifestEntry `json:"entries"`
}

// ManifestEntry identifies one checkpointed shard.
type ManifestEntry struct {
	TableID int `json:"table_id"`
	Shard   int `json:"shard"`
}

// WriteManifest commits m as the current manifest in a single badger
// transaction — the atomic "rename" step of the checkpoint protocol.
func (s *Store) WriteManifest(m Manifest) error {
	b, err := encodeManifest(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(manifestKey), b)
	})
}

// ReadManifest returns the most recently committed manifest, or
// ErrNoManifest if none has ever been written.
func (s *Store) ReadManifest() (Manifest, error) {
	var m Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(manifestKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeManifest(val)
			if err != nil {
				return err
			}
			m = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("checkpoint: read manifest: %w", err)
	}
	return m, nil
}

// Verify checks that every entry in m has a corresponding data key, failing
// with ErrCheckpointIncomplete on the first gap.
func (s *Store) Verify(m Manifest) error {
	for _, e := range m.Entries {
		_, _, err := s.ReadShard(e.TableID, e.Shard, m.Iteration)
		if err != nil {
			return fmt.Errorf("%w: table %d shard %d iteration %d", ErrCheckpointIncomplete, e.TableID, e.Shard, m.Iteration)
		}
	}
	return nil
}
