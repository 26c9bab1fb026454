// Package table is the generic, namespaced key/value store the state
// machine applies TableSet/TableRemove commands into: users, namespaces,
// caches, and MCP metadata. It follows a bucket-per-resource BoltDB
// pattern, generalized to an arbitrary table name instead of one bucket
// per Go type.
package table

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
)

// Store is the generic namespaced KV store backing TableSet/TableRemove.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.WithPath(fmt.Errorf("%w: %v", errs.StorageIO, err), path, 0)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set is last-writer-wins per the apply contract: TableSet always
// overwrites whatever was previously stored at (table, key).
func (s *Store) Set(table, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Remove deletes (table, key). A remove of an absent key is a no-op.
func (s *Store) Remove(table, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Get returns the value at (table, key), or errs.NotFound.
func (s *Store) Get(table, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return errs.NotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return errs.NotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Tables lists every bucket (table) that currently exists, used by the FSM
// to enumerate what to include in a snapshot without hardcoding names.
func (s *Store) Tables() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	return names, err
}

// ForEach iterates every (key, value) in table; iteration order is bbolt's
// byte-lexicographic key order. Returns nil immediately if table is empty.
func (s *Store) ForEach(table string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}
