package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations so the CA can sign with keys
// held in process memory or behind an HSM/KMS without changing calling code.
//
// A keyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey(alg KeyAlgorithm, bits int) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPKCS8 returns the private key as PKCS#8 DER so it can be sealed
	// into the CA identity. The caller wipes the returned slice. Hardware
	// backed stores return ErrKeyNotExportable.
	ExportPKCS8(keyID string) ([]byte, error)

	// ImportPKCS8 loads a PKCS#8 DER private key and returns its key ID.
	ImportPKCS8(der []byte) (keyID string, err error)

	// Delete destroys the key material. Deleting an unknown key is a no-op.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPKCS8 when the backing
// store does not allow private key material to leave the device.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")
