// Package storage defines the persistence contract of the certificate
// authority: the sealed CA identity, the durable serial counter and the
// serial-keyed set of issued certificates. Backends live in sub-packages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/ironca/internal/util"
)

var (
	// ErrNotFound is returned when no CA identity has been persisted yet.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a CA identity is saved twice or a
	// serial number is written a second time.
	ErrAlreadyExists = errors.New("already exists")
)

// CASerial is the serial number reserved for the CA's own self-signed
// certificate. NextSerial never hands it out.
const CASerial int64 = 1

// Identity is the persisted form of the CA key pair and certificate. The
// private key is only ever stored sealed; the store does not interpret it.
type Identity struct {
	KeyAlgorithm string              `json:"key_algorithm"`
	KDFParams    util.Argon2idParams `json:"kdf_params"`
	Salt         []byte              `json:"salt"`
	Key          *Envelope           `json:"key"`
	Certificate  []byte              `json:"certificate"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Clone returns a deep copy so callers cannot alias store-owned buffers.
func (id *Identity) Clone() *Identity {
	if id == nil {
		return nil
	}
	return &Identity{
		KeyAlgorithm: id.KeyAlgorithm,
		KDFParams:    id.KDFParams,
		Salt:         util.CopyBytes(id.Salt),
		Key:          id.Key.Clone(),
		Certificate:  util.CopyBytes(id.Certificate),
		CreatedAt:    id.CreatedAt,
	}
}

// Store is the durable state behind one CA identity.
//
// Implementations must be safe for concurrent use. NextSerial is the single
// serialization point of issuance: it atomically allocates and persists the
// next serial so that no value is ever returned twice, including across
// process restarts.
type Store interface {
	// LoadCAIdentity returns the persisted identity or ErrNotFound.
	LoadCAIdentity(ctx context.Context) (*Identity, error)

	// SaveCAIdentity persists the identity and records its certificate under
	// CASerial in one atomic step. It fails with ErrAlreadyExists if an
	// identity is already present.
	SaveCAIdentity(ctx context.Context, id *Identity) error

	// NextSerial allocates the next serial number. Values are strictly
	// increasing and always greater than CASerial.
	NextSerial(ctx context.Context) (int64, error)

	// SaveCertificate stores the DER certificate under serial. A second write
	// to the same serial fails with ErrAlreadyExists.
	SaveCertificate(ctx context.Context, serial int64, der []byte) error

	// ListCertificates returns every stored certificate, CA included, in
	// ascending serial order.
	ListCertificates(ctx context.Context) ([][]byte, error)
}
