package cache

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// Store is the persistent layer behind a Tiered cache. Implementations must
// tolerate concurrent use. The engine only ever reads back entries it wrote
// itself; foreign bytes under a key are treated as a miss by the cache.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Clear() error
	Close() error
}

// LevelDBStore persists cache entries in a local LevelDB database.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache db at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(key string) ([]byte, bool, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *LevelDBStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelDBStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

// Clear removes every key in the database.
func (s *LevelDBStore) Clear() error {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
