package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB, one bucket per namespace
// created lazily on first write.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aegis.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put implements Store.
func (s *BoltStore) Put(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("storage: create bucket %s: %w", namespace, err)
		}
		return b.Put([]byte(key), value)
	})
}

// Get implements Store.
func (s *BoltStore) Get(namespace, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, value != nil, err
}

// Delete implements Store.
func (s *BoltStore) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Scan implements Store.
func (s *BoltStore) Scan(namespace, prefix string, fn func(Entry) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			value := make([]byte, len(v))
			copy(value, v)
			if err := fn(Entry{Key: string(k), Value: value}); err != nil {
				return err
			}
		}
		return nil
	})
}

// BatchPut implements Store.
func (s *BoltStore) BatchPut(namespace string, entries []Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("storage: create bucket %s: %w", namespace, err)
		}
		for _, e := range entries {
			if err := b.Put([]byte(e.Key), e.Value); err != nil {
				return err
			}
		}
		return nil
	})
}
