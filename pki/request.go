package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// RequestTemplate describes a certificate signing request for CreateRequest.
type RequestTemplate struct {
	// Subject is a distinguished name such as "CN=host,O=example".
	Subject string

	// Role is encoded in the role attribute. Empty omits the attribute,
	// which the CA reads as RoleClient.
	Role Role

	// ChallengePassword is omitted when empty.
	ChallengePassword string
}

var (
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
)

// CreateRequest builds and self-signs a DER PKCS#10 request for key.
// RSA keys sign with SHA256WithRSA and ECDSA keys with ECDSAWithSHA256.
//
// The attributes are written as plain strings, which
// x509.CreateCertificateRequest cannot produce.
func CreateRequest(rand io.Reader, tmpl RequestTemplate, key crypto.Signer) ([]byte, error) {
	subject, err := MarshalDistinguishedName(tmpl.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	var info cryptobyte.Builder
	info.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(subject)
		b.AddBytes(spki)
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			if tmpl.Role != "" {
				v := roleAttributeValue(tmpl.Role)
				tag := cbasn1.UTF8String
				if isPrintable(v) {
					tag = cbasn1.PrintableString
				}
				addStringAttribute(b, OIDRoleAttribute, tag, v)
			}
			if tmpl.ChallengePassword != "" {
				addStringAttribute(b, OIDChallengePassword, cbasn1.UTF8String, tmpl.ChallengePassword)
			}
		})
	})
	tbs, err := info.Bytes()
	if err != nil {
		return nil, fmt.Errorf("request info: %w", err)
	}

	var (
		sigOID  asn1.ObjectIdentifier
		sig     []byte
		rsaNull bool
	)
	switch key.Public().(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(tbs)
		sigOID, rsaNull = oidSHA256WithRSA, true
		sig, err = key.Sign(rand, digest[:], crypto.SHA256)
	case *ecdsa.PublicKey:
		digest := sha256.Sum256(tbs)
		sigOID = oidECDSAWithSHA256
		sig, err = key.Sign(rand, digest[:], crypto.SHA256)
	case ed25519.PublicKey:
		sigOID = oidEd25519
		sig, err = key.Sign(rand, tbs, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported key type %T", key.Public())
	}
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	var req cryptobyte.Builder
	req.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(sigOID)
			if rsaNull {
				b.AddASN1NULL()
			}
		})
		b.AddASN1BitString(sig)
	})
	return req.Bytes()
}

func addStringAttribute(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, tag cbasn1.Tag, value string) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
			b.AddASN1(tag, func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(value))
			})
		})
	})
}

func roleAttributeValue(r Role) string {
	switch r {
	case RoleServer:
		return RoleAttributeServer
	case RoleClient:
		return RoleAttributeClient
	case RoleCA:
		return RoleAttributeCA
	}
	return string(r)
}
