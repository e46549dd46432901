// Package storage provides the optional secondary key-value store backing
// the keyspace change tracker and background saves, implemented on LevelDB.
package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store wraps a LevelDB database holding serialized value objects keyed by
// (db id, key bytes).
type Store struct {
	db   *leveldb.DB
	sync bool
}

// Open opens or creates the store at path.
func Open(path string, syncWrites bool) (*Store, error) {
	options := &opt.Options{
		Compression: opt.SnappyCompression,
	}
	db, err := leveldb.OpenFile(path, options)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db, sync: syncWrites}, nil
}

func (s *Store) wo() *opt.WriteOptions {
	return &opt.WriteOptions{Sync: s.sync}
}

// Insert writes a serialized object under key, replacing any prior value.
func (s *Store) Insert(key []byte, value []byte) error {
	if err := s.db.Put(key, value, s.wo()); err != nil {
		return fmt.Errorf("storage: put: %w", err)
	}
	return nil
}

// Erase removes key. Removing a missing key is not an error.
func (s *Store) Erase(key []byte) error {
	if err := s.db.Delete(key, s.wo()); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// Retrieve reads the value stored under key.
func (s *Store) Retrieve(key []byte) ([]byte, bool, error) {
	val, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	return val, true, nil
}

// WriteBatch applies a set of inserts and erases atomically.
func (s *Store) WriteBatch(puts map[string][]byte, deletes [][]byte) error {
	batch := new(leveldb.Batch)
	for k, v := range puts {
		batch.Put([]byte(k), v)
	}
	for _, k := range deletes {
		batch.Delete(k)
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return fmt.Errorf("storage: batch write: %w", err)
	}
	return nil
}

// Clear removes every record in the given key range prefix. A nil prefix
// clears the whole store.
func (s *Store) Clear(prefix []byte) error {
	var rng *util.Range
	if prefix != nil {
		rng = util.BytesPrefix(prefix)
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("storage: clear iterate: %w", err)
	}
	if err := s.db.Write(batch, s.wo()); err != nil {
		return fmt.Errorf("storage: clear write: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
