package pki

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/storage"
)

const identitySaltSize = 16

// identityAAD binds the sealed key to the certificate it was issued with.
func identityAAD(certDER []byte) []byte {
	sum := sha256.Sum256(certDER)
	return append([]byte("ironca:ca-key:v1:"), sum[:]...)
}

// sealIdentity encrypts keyDER under a key derived from password.
func sealIdentity(alg KeyAlgorithm, keyDER, certDER []byte, password string, params KDFParams, now time.Time) (*storage.Identity, error) {
	salt, err := util.RandomBytes(identitySaltSize)
	if err != nil {
		return nil, err
	}
	kek, err := util.DeriveArgon2idKey(password, salt, params)
	if err != nil {
		return nil, fmt.Errorf("deriving key encryption key: %w", err)
	}
	defer util.WipeBytes(kek)

	env, err := storage.SealRecord(kek, keyDER, identityAAD(certDER))
	if err != nil {
		return nil, fmt.Errorf("sealing CA key: %w", err)
	}
	return &storage.Identity{
		KeyAlgorithm: string(alg),
		KDFParams:    params,
		Salt:         salt,
		Key:          env,
		Certificate:  util.CopyBytes(certDER),
		CreatedAt:    now,
	}, nil
}

// openIdentity unseals the CA key and validates the certificate. The caller
// wipes the returned key.
func openIdentity(id *storage.Identity, password string) ([]byte, *x509.Certificate, error) {
	if id.Key == nil || len(id.Certificate) == 0 {
		return nil, nil, fmt.Errorf("identity is incomplete")
	}
	if err := util.ValidateArgon2idParams(id.KDFParams); err != nil {
		return nil, nil, fmt.Errorf("stored KDF parameters: %w", err)
	}

	cert, err := x509.ParseCertificate(id.Certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}
	if !cert.IsCA || !cert.BasicConstraintsValid {
		return nil, nil, fmt.Errorf("stored certificate is not a CA certificate")
	}
	if !cert.SerialNumber.IsInt64() || cert.SerialNumber.Int64() != storage.CASerial {
		return nil, nil, fmt.Errorf("stored CA certificate has serial %s, want %d", cert.SerialNumber, storage.CASerial)
	}

	kek, err := util.DeriveArgon2idKey(password, id.Salt, id.KDFParams)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving key encryption key: %w", err)
	}
	defer util.WipeBytes(kek)

	keyDER, err := storage.OpenRecord(kek, id.Key, identityAAD(id.Certificate))
	if err != nil {
		return nil, nil, fmt.Errorf("unsealing CA key (wrong password?): %w", err)
	}

	signer, err := parseSigner(keyDER)
	if err != nil {
		util.WipeBytes(keyDER)
		return nil, nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil || !bytes.Equal(pub, cert.RawSubjectPublicKeyInfo) {
		util.WipeBytes(keyDER)
		return nil, nil, fmt.Errorf("CA key does not match CA certificate")
	}
	return keyDER, cert, nil
}
