// Package store persists orchestrator state in a scoped bbolt database.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Predefined scopes.
const (
	ScopeProfiles = "profiles" // constraint profiles by name, last successful load
	ScopeSession  = "session"  // active profile, strictness and other session state
	ScopeHistory  = "history"  // append-only log keyed by sequence
)

// Scopes lists every bucket created on open.
var Scopes = []string{ScopeProfiles, ScopeSession, ScopeHistory}

// ErrNotFound is returned when a key or scope does not exist.
var ErrNotFound = errors.New("not found")

// Store provides scoped key-value storage with JSON values.
type Store interface {
	Get(scope, key string, out any) error
	Set(scope, key string, value any) error
	Delete(scope, key string) error
	Keys(scope string) ([]string, error)
	List(scope string) (map[string]json.RawMessage, error)
	Append(scope string, value any) (uint64, error)
	Close() error
}

// BoltStore is a bbolt-backed implementation of Store.
type BoltStore struct {
	db *bolt.DB
}

// Open creates or opens a store at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, scope := range Scopes {
			if _, err := tx.CreateBucketIfNotExists([]byte(scope)); err != nil {
				return fmt.Errorf("create bucket %s: %w", scope, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string { return s.db.Path() }

// Get decodes the value stored under scope/key into out.
func (s *BoltStore) Get(scope, key string, out any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %s/%s: %w", scope, key, ErrNotFound)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s/%s: %w", scope, key, err)
		}
		return nil
	})
}

func (s *BoltStore) Set(scope, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(scope, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Keys returns the keys in scope in sorted order.
func (s *BoltStore) Keys(scope string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns every raw value in scope.
func (s *BoltStore) List(scope string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			// bbolt values are only valid for the life of the transaction.
			result[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Append stores value under the scope's next sequence number and returns it.
// Keys are big-endian so iteration order matches insertion order.
func (s *BoltStore) Append(scope string, value any) (uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("marshal value: %w", err)
	}
	var seq uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		return b.Put(SeqKey(seq), data)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Tail decodes up to n of the most recent appended values in scope, oldest
// first, by calling fn for each.
func (s *BoltStore) Tail(scope string, n int, fn func(seq uint64, raw json.RawMessage) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, scope)
		if err != nil {
			return err
		}
		type item struct {
			seq uint64
			raw json.RawMessage
		}
		var items []item
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(items) < n; k, v = c.Prev() {
			if len(k) != 8 {
				continue
			}
			items = append(items, item{binary.BigEndian.Uint64(k), append(json.RawMessage(nil), v...)})
		}
		for i := len(items) - 1; i >= 0; i-- {
			if err := fn(items[i].seq, items[i].raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SeqKey encodes a sequence number as a sortable key.
func SeqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func bucket(tx *bolt.Tx, scope string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(scope))
	if b == nil {
		return nil, fmt.Errorf("scope %s: %w", scope, ErrNotFound)
	}
	return b, nil
}
