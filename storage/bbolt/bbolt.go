// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

var (
	caBucket   = []byte("ca")
	certBucket = []byte("certificates")

	identityKey   = []byte("identity")
	lastSerialKey = []byte("last_serial")
)

// Store implements storage.Store backed by a BBolt database. Every mutation
// runs in its own read-write transaction; bbolt serialises those, which is
// what makes NextSerial atomic across goroutines.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database, creating the
// buckets it needs.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{caBucket, certBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func serialKey(serial int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(serial))
	return k
}

func (s *Store) LoadCAIdentity(_ context.Context) (*storage.Identity, error) {
	var id storage.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(caBucket).Get(identityKey)
		if data == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(data, &id)
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (s *Store) SaveCAIdentity(_ context.Context, id *storage.Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding CA identity: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		ca := tx.Bucket(caBucket)
		certs := tx.Bucket(certBucket)
		if ca.Get(identityKey) != nil {
			return fmt.Errorf("CA identity: %w", storage.ErrAlreadyExists)
		}
		key := serialKey(storage.CASerial)
		if certs.Get(key) != nil {
			return fmt.Errorf("serial %d: %w", storage.CASerial, storage.ErrAlreadyExists)
		}
		if err := ca.Put(identityKey, data); err != nil {
			return err
		}
		return certs.Put(key, util.CopyBytes(id.Certificate))
	})
}

func (s *Store) NextSerial(_ context.Context) (int64, error) {
	var next int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(caBucket)
		last := storage.CASerial
		if v := b.Get(lastSerialKey); v != nil {
			last = max(int64(binary.BigEndian.Uint64(v)), storage.CASerial)
		}
		next = last + 1
		return b.Put(lastSerialKey, serialKey(next))
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) SaveCertificate(_ context.Context, serial int64, der []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certBucket)
		key := serialKey(serial)
		if b.Get(key) != nil {
			return fmt.Errorf("serial %d: %w", serial, storage.ErrAlreadyExists)
		}
		// bbolt keeps a reference to the value until commit.
		return b.Put(key, util.CopyBytes(der))
	})
}

func (s *Store) ListCertificates(_ context.Context) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		// Big-endian keys make cursor order equal serial order.
		return tx.Bucket(certBucket).ForEach(func(_, v []byte) error {
			out = append(out, util.CopyBytes(v))
			return nil
		})
	})
	return out, err
}
