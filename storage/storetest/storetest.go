// Package storetest holds the behavioural suite every storage.Store backend
// must pass.
package storetest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Store

// SampleIdentity builds an identity with a sealed dummy key. The store never
// interprets the contents, so the certificate bytes need not be valid DER.
func SampleIdentity(t *testing.T) *storage.Identity {
	t.Helper()
	key, err := util.NewAESKey()
	require.NoError(t, err)
	env, err := storage.SealRecord(key, []byte("sealed-key"), nil)
	require.NoError(t, err)
	return &storage.Identity{
		KeyAlgorithm: "RSA",
		KDFParams:    util.DefaultArgon2idParams(),
		Salt:         []byte("0123456789abcdef"),
		Key:          env,
		Certificate:  []byte("ca-certificate"),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// Run exercises the storage.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("LoadMissingIdentity", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadCAIdentity(t.Context())
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SaveLoadIdentity", func(t *testing.T) {
		s := newStore(t)
		id := SampleIdentity(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), id))

		got, err := s.LoadCAIdentity(t.Context())
		require.NoError(t, err)
		assert.Equal(t, id.KeyAlgorithm, got.KeyAlgorithm)
		assert.Equal(t, id.KDFParams, got.KDFParams)
		assert.Equal(t, id.Salt, got.Salt)
		assert.Equal(t, id.Key, got.Key)
		assert.Equal(t, id.Certificate, got.Certificate)
		assert.True(t, id.CreatedAt.Equal(got.CreatedAt))

		certs, err := s.ListCertificates(t.Context())
		require.NoError(t, err)
		require.Len(t, certs, 1)
		assert.Equal(t, id.Certificate, certs[0])
	})

	t.Run("SaveIdentityTwice", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), SampleIdentity(t)))
		err := s.SaveCAIdentity(t.Context(), SampleIdentity(t))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("NextSerialStrictlyIncreasing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), SampleIdentity(t)))

		prev := storage.CASerial
		for range 5 {
			n, err := s.NextSerial(t.Context())
			require.NoError(t, err)
			assert.Greater(t, n, prev)
			prev = n
		}
		assert.Equal(t, int64(6), prev)
	})

	t.Run("NextSerialNeverReturnsCASerial", func(t *testing.T) {
		s := newStore(t)
		n, err := s.NextSerial(t.Context())
		require.NoError(t, err)
		assert.Greater(t, n, storage.CASerial)
	})

	t.Run("SaveCertificateOnce", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), SampleIdentity(t)))

		n, err := s.NextSerial(t.Context())
		require.NoError(t, err)
		require.NoError(t, s.SaveCertificate(t.Context(), n, []byte("leaf")))

		err = s.SaveCertificate(t.Context(), n, []byte("other"))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)

		err = s.SaveCertificate(t.Context(), storage.CASerial, []byte("rogue"))
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	})

	t.Run("ListOrderedBySerial", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), SampleIdentity(t)))

		var serials []int64
		for range 3 {
			n, err := s.NextSerial(t.Context())
			require.NoError(t, err)
			serials = append(serials, n)
		}
		// Persist out of allocation order; listing must still be ordered.
		require.NoError(t, s.SaveCertificate(t.Context(), serials[2], []byte("third")))
		require.NoError(t, s.SaveCertificate(t.Context(), serials[0], []byte("first")))
		require.NoError(t, s.SaveCertificate(t.Context(), serials[1], []byte("second")))

		certs, err := s.ListCertificates(t.Context())
		require.NoError(t, err)
		require.Len(t, certs, 4)
		assert.Equal(t, []byte("ca-certificate"), certs[0])
		assert.Equal(t, []byte("first"), certs[1])
		assert.Equal(t, []byte("second"), certs[2])
		assert.Equal(t, []byte("third"), certs[3])
	})

	t.Run("ConcurrentNextSerial", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveCAIdentity(t.Context(), SampleIdentity(t)))

		const workers = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[int64]bool, workers)
		)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.NextSerial(t.Context())
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, seen[n], "serial %d allocated twice", n)
				seen[n] = true
			}()
		}
		wg.Wait()
		assert.Len(t, seen, workers)
	})
}
