// Package memory provides a thread-safe in-memory implementation of storage.Store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

// Store is a thread-safe in-memory implementation of storage.Store.
// Suitable for testing, demos, and single-process use cases. Nothing
// survives the process, so serials restart with a new Store.
type Store struct {
	mu       sync.RWMutex
	identity *storage.Identity
	last     int64
	certs    map[int64][]byte
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		last:  storage.CASerial,
		certs: make(map[int64][]byte),
	}
}

func (s *Store) LoadCAIdentity(_ context.Context) (*storage.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return nil, storage.ErrNotFound
	}
	return s.identity.Clone(), nil
}

func (s *Store) SaveCAIdentity(_ context.Context, id *storage.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity != nil {
		return fmt.Errorf("CA identity: %w", storage.ErrAlreadyExists)
	}
	if _, ok := s.certs[storage.CASerial]; ok {
		return fmt.Errorf("serial %d: %w", storage.CASerial, storage.ErrAlreadyExists)
	}
	s.identity = id.Clone()
	s.certs[storage.CASerial] = util.CopyBytes(id.Certificate)
	return nil
}

func (s *Store) NextSerial(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last, nil
}

func (s *Store) SaveCertificate(_ context.Context, serial int64, der []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certs[serial]; ok {
		return fmt.Errorf("serial %d: %w", serial, storage.ErrAlreadyExists)
	}
	s.certs[serial] = util.CopyBytes(der)
	return nil
}

func (s *Store) ListCertificates(_ context.Context) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	serials := make([]int64, 0, len(s.certs))
	for serial := range s.certs {
		serials = append(serials, serial)
	}
	slices.Sort(serials)

	out := make([][]byte, 0, len(serials))
	for _, serial := range serials {
		out = append(out, util.CopyBytes(s.certs[serial]))
	}
	return out, nil
}
