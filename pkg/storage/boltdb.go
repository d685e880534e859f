package storage

import (
	"errors"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ErrKeyExists is returned by PutIfAbsent when the key is already present.
var ErrKeyExists = errors.New("storage: key already exists")

// BoltStore implements Store with one BoltDB bucket per named Index.
type BoltStore struct {
	db *bolt.DB

	mu      sync.Mutex
	indexes map[string]*boltIndex
}

// NewBoltStore opens (creating if necessary) the database file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open info store: %w", err)
	}
	return &BoltStore{db: db, indexes: make(map[string]*boltIndex)}, nil
}

// Start is a no-op; the database is already open after NewBoltStore. It
// exists to satisfy the Store interface's lifecycle alongside the rest of
// the daemon's started-once components.
func (s *BoltStore) Start() error {
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Index(name string) (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.indexes[name]; ok {
		return idx, nil
	}

	bucket := []byte(name)
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create index %q: %w", name, err)
	}

	idx := &boltIndex{db: s.db, bucket: bucket}
	s.indexes[name] = idx
	return idx, nil
}

type boltIndex struct {
	db     *bolt.DB
	bucket []byte
}

func (i *boltIndex) Lookup(key []byte) ([]byte, LookupResult) {
	var value []byte
	err := i.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(i.bucket).Get(key)
		if v == nil {
			return nil
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, LookupError
	}
	if value == nil {
		return nil, NotFound
	}
	return value, Found
}

func (i *boltIndex) Put(key, value []byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(i.bucket).Put(key, value)
	})
}

func (i *boltIndex) PutIfAbsent(key, value []byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(i.bucket)
		if b.Get(key) != nil {
			return ErrKeyExists
		}
		return b.Put(key, value)
	})
}

func (i *boltIndex) Delete(key []byte) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(i.bucket).Delete(key)
	})
}

// Cursor snapshots the bucket's entries at call time into an ordered,
// in-memory walk. Indexes in this daemon (volumes, targets, users, groups,
// detaching records) are small enough that this trades a bit of memory for
// never holding a bbolt transaction open across caller-driven iteration.
func (i *boltIndex) Cursor() (Cursor, error) {
	type entry struct {
		key, value []byte
	}
	var entries []entry
	err := i.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(i.bucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entries = append(entries, entry{
				key:   append([]byte(nil), k...),
				value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([][]byte, len(entries))
	values := make([][]byte, len(entries))
	for idx, e := range entries {
		keys[idx] = e.key
		values[idx] = e.value
	}
	return &sliceCursor{keys: keys, values: values, pos: -1}, nil
}

type sliceCursor struct {
	keys, values [][]byte
	pos          int
}

func (c *sliceCursor) First() ([]byte, []byte, bool) {
	c.pos = 0
	return c.Get()
}

func (c *sliceCursor) Next() ([]byte, []byte, bool) {
	c.pos++
	return c.Get()
}

func (c *sliceCursor) Get() ([]byte, []byte, bool) {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil, false
	}
	return c.keys[c.pos], c.values[c.pos], true
}
