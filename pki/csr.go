package pki

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// OIDRoleAttribute carries the requested role as a string value. It
	// reuses the PKCS#9 contentType attribute OID.
	OIDRoleAttribute = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}

	// OIDChallengePassword is the PKCS#9 challengePassword attribute.
	OIDChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}
)

// Values of the role attribute.
const (
	RoleAttributeServer = "ServerCertificate"
	RoleAttributeClient = "ClientCertificate"
	RoleAttributeCA     = "CACertificate"
)

// Request is a parsed certificate signing request whose self-signature has
// been verified.
type Request struct {
	CSR *x509.CertificateRequest

	// Role comes from the role attribute; absent means RoleClient.
	Role Role

	// ChallengePassword is empty when the attribute is absent.
	ChallengePassword string
}

// ParseRequest parses DER CSR bytes, verifies the proof of possession and
// extracts the role and challenge password attributes. The attribute set is
// optional; requests that omit it are read as client requests.
func ParseRequest(der []byte) (*Request, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrMalformedRequest)
	}
	csr, attrs, err := parseCertificationRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %w", ErrMalformedRequest, err)
	}

	req := &Request{CSR: csr, Role: RoleClient}
	if v, ok := attrs[OIDRoleAttribute.String()]; ok {
		req.Role = roleFromAttribute(v)
	}
	if v, ok := attrs[OIDChallengePassword.String()]; ok {
		req.ChallengePassword = v
	}
	return req, nil
}

func roleFromAttribute(v string) Role {
	switch v {
	case RoleAttributeServer:
		return RoleServer
	case RoleAttributeClient:
		return RoleClient
	case RoleAttributeCA:
		return RoleCA
	}
	// Custom registries may key profiles by the raw attribute value.
	return Role(v)
}

// DecodeCSR accepts a PEM "CERTIFICATE REQUEST" block or raw DER and returns
// the DER bytes.
func DecodeCSR(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		return data, nil
	}
	block, _ := pem.Decode(trimmed)
	if block == nil {
		return nil, fmt.Errorf("%w: invalid PEM", ErrMalformedRequest)
	}
	switch block.Type {
	case "CERTIFICATE REQUEST", "NEW CERTIFICATE REQUEST":
		return block.Bytes, nil
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedRequest, block.Type)
}

var signatureAlgorithms = map[string]x509.SignatureAlgorithm{
	"1.2.840.113549.1.1.5":  x509.SHA1WithRSA,
	"1.2.840.113549.1.1.11": x509.SHA256WithRSA,
	"1.2.840.113549.1.1.12": x509.SHA384WithRSA,
	"1.2.840.113549.1.1.13": x509.SHA512WithRSA,
	"1.2.840.10045.4.1":     x509.ECDSAWithSHA1,
	"1.2.840.10045.4.3.2":   x509.ECDSAWithSHA256,
	"1.2.840.10045.4.3.3":   x509.ECDSAWithSHA384,
	"1.2.840.10045.4.3.4":   x509.ECDSAWithSHA512,
	"1.3.101.112":           x509.PureEd25519,
}

// parseCertificationRequest decodes a PKCS#10 CertificationRequest. Unlike
// x509.ParseCertificateRequest it accepts a CertificationRequestInfo without
// the [0] attributes field, which some toolkits leave out when there are no
// attributes. The signature is not checked here.
func parseCertificationRequest(der []byte) (*x509.CertificateRequest, map[string]string, error) {
	input := cryptobyte.String(der)
	var outer, tbs, sigAlg cryptobyte.String
	var sig asn1.BitString
	if !input.ReadASN1(&outer, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, nil, errors.New("invalid certification request")
	}
	if !outer.ReadASN1Element(&tbs, cbasn1.SEQUENCE) ||
		!outer.ReadASN1(&sigAlg, cbasn1.SEQUENCE) ||
		!outer.ReadASN1BitString(&sig) ||
		!outer.Empty() {
		return nil, nil, errors.New("invalid certification request")
	}
	if sig.BitLength%8 != 0 {
		return nil, nil, errors.New("signature is not a whole number of bytes")
	}

	var sigOID asn1.ObjectIdentifier
	if !sigAlg.ReadASN1ObjectIdentifier(&sigOID) {
		return nil, nil, errors.New("invalid signature algorithm")
	}
	alg, ok := signatureAlgorithms[sigOID.String()]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported signature algorithm %s", sigOID)
	}

	info := tbs
	var body, rawSubject, rawSPKI, attrSet cryptobyte.String
	var version int64
	var hasAttrs bool
	if !info.ReadASN1(&body, cbasn1.SEQUENCE) ||
		!body.ReadASN1Integer(&version) ||
		!body.ReadASN1Element(&rawSubject, cbasn1.SEQUENCE) ||
		!body.ReadASN1Element(&rawSPKI, cbasn1.SEQUENCE) ||
		!body.ReadOptionalASN1(&attrSet, &hasAttrs, cbasn1.Tag(0).Constructed().ContextSpecific()) ||
		!body.Empty() {
		return nil, nil, errors.New("invalid request info")
	}
	if version != 0 {
		return nil, nil, fmt.Errorf("unsupported request version %d", version)
	}

	pub, err := x509.ParsePKIXPublicKey(rawSPKI)
	if err != nil {
		return nil, nil, fmt.Errorf("public key: %w", err)
	}
	var rdns pkix.RDNSequence
	if rest, err := asn1.Unmarshal(rawSubject, &rdns); err != nil {
		return nil, nil, fmt.Errorf("subject: %w", err)
	} else if len(rest) != 0 {
		return nil, nil, errors.New("trailing data after subject")
	}
	attrs, err := parseStringAttributes(attrSet)
	if err != nil {
		return nil, nil, fmt.Errorf("attributes: %w", err)
	}

	csr := &x509.CertificateRequest{
		Raw:                      der,
		RawTBSCertificateRequest: tbs,
		RawSubjectPublicKeyInfo:  rawSPKI,
		RawSubject:               rawSubject,
		Signature:                sig.RightAlign(),
		SignatureAlgorithm:       alg,
		PublicKeyAlgorithm:       publicKeyAlgorithm(pub),
		PublicKey:                pub,
	}
	csr.Subject.FillFromRDNSequence(&rdns)
	return csr, attrs, nil
}

func publicKeyAlgorithm(pub any) x509.PublicKeyAlgorithm {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.RSA
	case *ecdsa.PublicKey:
		return x509.ECDSA
	case ed25519.PublicKey:
		return x509.Ed25519
	}
	return x509.UnknownPublicKeyAlgorithm
}

// parseStringAttributes reads the contents of the [0] attribute set and
// returns the first string value of every attribute, keyed by dotted OID.
// Attributes whose values are not strings, such as extensionRequest, are
// skipped.
func parseStringAttributes(set cryptobyte.String) (map[string]string, error) {
	out := make(map[string]string)
	for !set.Empty() {
		var attr, values cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !set.ReadASN1(&attr, cbasn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&oid) ||
			!attr.ReadASN1(&values, cbasn1.SET) {
			return nil, errors.New("invalid attribute")
		}
		for !values.Empty() {
			var value cryptobyte.String
			var tag cbasn1.Tag
			if !values.ReadAnyASN1(&value, &tag) {
				return nil, fmt.Errorf("invalid value for attribute %s", oid)
			}
			switch tag {
			case cbasn1.PrintableString, cbasn1.UTF8String, cbasn1.IA5String, cbasn1.T61String:
				if _, seen := out[oid.String()]; !seen {
					out[oid.String()] = string(value)
				}
			}
		}
	}
	return out, nil
}
