package pki

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// subjectKeyID is the RFC 5280 method (1) key identifier: the SHA-1 of the
// subjectPublicKey BIT STRING, excluding tag, length and unused-bits octet.
func subjectKeyID(spki []byte) ([]byte, error) {
	input := cryptobyte.String(spki)
	var info, algo cryptobyte.String
	var key asn1.BitString
	if !input.ReadASN1(&info, cbasn1.SEQUENCE) ||
		!info.ReadASN1(&algo, cbasn1.SEQUENCE) ||
		!info.ReadASN1BitString(&key) {
		return nil, fmt.Errorf("invalid subject public key info")
	}
	sum := sha1.Sum(key.Bytes)
	return sum[:], nil
}

func publicKeyID(pub any) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return subjectKeyID(spki)
}
