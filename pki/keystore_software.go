package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/internal/util"
)

// SoftwareKeyStore keeps RSA and ECDSA private keys as PKCS#8 DER inside
// memguard locked buffers. Each key is parsed once, on its first Signer
// call, and the parsed signer is cached until Delete. The parsed form lives
// on the Go heap: Delete drops it and wipes the buffer, but the runtime
// decides when that heap copy is reclaimed.
type SoftwareKeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*memguard.LockedBuffer
	signers map[string]crypto.Signer
	rand    io.Reader
	seq     int
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys:    make(map[string]*memguard.LockedBuffer),
		signers: make(map[string]crypto.Signer),
		rand:    rand.Reader,
	}
}

// GenerateKey creates an RSA key of bits length or an ECDSA key on the NIST
// curve of that size.
func (s *SoftwareKeyStore) GenerateKey(alg KeyAlgorithm, bits int) (string, error) {
	var priv crypto.Signer
	var err error
	switch alg {
	case KeyAlgorithmRSA:
		if bits < MinRSAKeyBits {
			return "", fmt.Errorf("RSA key size %d is below the minimum of %d", bits, MinRSAKeyBits)
		}
		priv, err = rsa.GenerateKey(s.rand, bits)
	case KeyAlgorithmEC:
		curve, cerr := curveForBits(bits)
		if cerr != nil {
			return "", cerr
		}
		priv, err = ecdsa.GenerateKey(curve, s.rand)
	default:
		return "", fmt.Errorf("unsupported key algorithm %q", alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s-%d key: %w", alg, bits, err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	return s.put(der), nil
}

// Signer returns the cached signer for keyID, parsing the key on first use.
// Every call for the same key returns the same signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.RLock()
	signer, ok := s.signers[keyID]
	s.mu.RUnlock()
	if ok {
		return signer, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if signer, ok := s.signers[keyID]; ok {
		return signer, nil
	}
	buf, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	signer, err := parseSigner(buf.Bytes())
	if err != nil {
		return nil, err
	}
	s.signers[keyID] = signer
	return signer, nil
}

// ExportPKCS8 returns a copy of the stored DER.
func (s *SoftwareKeyStore) ExportPKCS8(keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return util.CopyBytes(buf.Bytes()), nil
}

// ImportPKCS8 validates and stores an RSA or ECDSA key. der is not retained.
func (s *SoftwareKeyStore) ImportPKCS8(der []byte) (string, error) {
	if _, err := parseSigner(der); err != nil {
		return "", err
	}
	return s.put(util.CopyBytes(der)), nil
}

// Delete wipes and forgets the key.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.keys[keyID]; ok {
		buf.Destroy()
		delete(s.keys, keyID)
	}
	delete(s.signers, keyID)
	return nil
}

// Close wipes every key held by the store.
func (s *SoftwareKeyStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, buf := range s.keys {
		buf.Destroy()
		delete(s.keys, id)
	}
	clear(s.signers)
}

// put takes ownership of der; memguard wipes the source slice.
func (s *SoftwareKeyStore) put(der []byte) string {
	buf := memguard.NewBufferFromBytes(der)
	buf.Freeze()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = buf
	return id
}

func parseSigner(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#8 key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}
