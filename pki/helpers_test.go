package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/memory"
)

// RSA-1024 requests for "CN=test,UID=test@test" signed with SHA512WithRSA.
// serverCSR carries the role attribute as a PrintableString; clientCSR has
// no attributes; externalCSR is a 2048-bit request without attributes.
const (
	serverCSR   = "MIIBizCB9QIBADAqMQ0wCwYDVQQDDAR0ZXN0MRkwFwYKCZImiZPyLGQBAQwJdGVzdEB0ZXN0MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQCwCNcx5PAYS22s1DiHnDbWVR1/k1EiWJp/Wxzys/SN0NyVE6wUUE9D6zBzrfpZoeM/lMqVZy6OD3Q2FZTvqL/fw8lrL0MGruID4iSsHlJllpsg4WW7qFtK6m16tFJRWGVFnIe+OTVm0BI0dxV2/UDoQXEZ780Bxx6X77cbdfVC/QIDAQABoCIwIAYJKoZIhvcNAQkDMRMTEVNlcnZlckNlcnRpZmljYXRlMA0GCSqGSIb3DQEBDQUAA4GBABL5OAANZXFvBcO+9+2yxUIHFlzAo4VlIZKXTo/aWxeez4hLqmxzdFAvIrp/AyG6/GJNKB5jYlYtrjgezkqJuF94IOrmocjcylclmRuqIK6JgMMYUy2Q3dawwk9EB3WOWZsJTnn0Yrix4VKEwgvE1jrImojetRh7noTuZhHnC9/a"
	clientCSR   = "MIIBZzCB0QIBADAqMQ0wCwYDVQQDDAR0ZXN0MRkwFwYKCZImiZPyLGQBAQwJdGVzdEB0ZXN0MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQCwCNcx5PAYS22s1DiHnDbWVR1/k1EiWJp/Wxzys/SN0NyVE6wUUE9D6zBzrfpZoeM/lMqVZy6OD3Q2FZTvqL/fw8lrL0MGruID4iSsHlJllpsg4WW7qFtK6m16tFJRWGVFnIe+OTVm0BI0dxV2/UDoQXEZ780Bxx6X77cbdfVC/QIDAQABMA0GCSqGSIb3DQEBDQUAA4GBAAUiRW/jaHFbWR27x95v7n2SlRKJhPMQXV26uSNO++q0N7JAvx5vHfDEHMiMPUJYj0zaDiS9H0Xi5jajJV+mJNNuASZMsPCym9kfyr6Q4gMflweqP75Wgw4x4r8rgY60CLDQTY8UU9ic8EfCRCuImQLPFD3RHCHFCBYLx4NBjHW2"
	externalCSR = "MIICbTCCAVUCAQAwKjENMAsGA1UEAwwEdGVzdDEZMBcGCgmSJomT8ixkAQEMCXRlc3RAdGVzdDCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBAKsExxF9s51tP/Phhybs9t3eVQyksxC1hn/tv9FSQ3N0UrMW5Uuju0cQLFelZwnRLllCES3J4juGQw1sl5TqdFm7wLK1CSwTuEQhx2eLlpBq/0m5DN91xeDZe9jaA5XuH+uGzXm6lWohgbVaqAOvyxX5Y0E1P4XxtWKKCLiODgNQcvdo7XbbWIujlQfau0tNNPg2A/GbiDVzcF1P2iUnlraJt9BKjObNsP78eyPDQgYmnc5MVaBwxYvKnhRDkyZNESvdVGWQumRT8syA5PeL6563ld5dC9a5lBWghK9LJroQLFl+HJCGiGRfOTPd6hXZu5Vh1Vz3dwnDEvyusALdkmECAwEAATANBgkqhkiG9w0BAQ0FAAOCAQEASOZa0icr8rxBVJjwXOlxcxRhlW9ROsdVxqYGPFy8qobquTXvxhcPHRUCpGev311f61yHSqQr6aCDmTyyMlqfiJ6gAWS7EJPxuxNLRecpRaJ7Wnl33PKLe5YvQia5K+fyZT06aFaLRQlioXilHBPMzVANjBbe9banzykoO2VTp1/lEFM3lfTRSH4tE9QX/Y5HHcaic8S/jr8aPt/kMHSmdDVsK5aEoT0tpHHYBg7DF7QBVvZEBtG0cJaEjN91tLlqKtdNz8LILnOmtgOWCgjb4F/giqKy9/Hfpxf8iC3eDscsiPJ7uf8QHWqa603Q6UISvq3Eg8Anls3aX3f8C12YoA=="
)

const testPassword = "test"

func fixture(t *testing.T, b64 string) []byte {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	return der
}

func testConfig() pki.Config {
	return pki.Config{
		KeyAlgorithm:       pki.KeyAlgorithmRSA,
		KeyBits:            1024,
		ValidityDays:       365,
		KeyStorePassword:   testPassword,
		Issuer:             "CN=CA,O=it-result.me,C=RU",
		SignatureAlgorithm: "SHA512WithRSA",
	}
}

func fastKDF(t *testing.T) pki.Option {
	t.Helper()
	p, err := pki.KDFProfile("interactive")
	require.NoError(t, err)
	return pki.WithKDFParams(p)
}

// newCA returns an initialized CA over store. A nil store gets a fresh
// memory store.
func newCA(t *testing.T, store storage.Store, opts ...pki.Option) *pki.CA {
	t.Helper()
	if store == nil {
		store = memory.NewStore()
	}
	ca, err := pki.New(store, testConfig(), append([]pki.Option{fastKDF(t)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, ca.Initialize(t.Context()))
	t.Cleanup(ca.Destroy)
	return ca
}

var (
	requestKeyOnce sync.Once
	requestKey     *rsa.PrivateKey
)

func testRequestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	requestKeyOnce.Do(func() {
		var err error
		requestKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return requestKey
}

type csrAttribute struct {
	oid   asn1.ObjectIdentifier
	tag   cbasn1.Tag
	value string
}

func roleAttribute(v string) csrAttribute {
	return csrAttribute{oid: pki.OIDRoleAttribute, tag: cbasn1.PrintableString, value: v}
}

func challengeAttribute(v string) csrAttribute {
	return csrAttribute{oid: pki.OIDChallengePassword, tag: cbasn1.UTF8String, value: v}
}

var oidSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}

// buildCSR assembles a PKCS#10 request by hand; x509.CreateCertificateRequest
// cannot emit attributes with plain string values.
func buildCSR(t *testing.T, key *rsa.PrivateKey, cn string, attrs ...csrAttribute) []byte {
	t.Helper()
	return signRequestInfo(t, key, requestInfo(t, key, cn, true, attrs))
}

// buildBareCSR builds a request whose CertificationRequestInfo has no [0]
// attributes field at all, the way some toolkits encode attribute-less
// requests.
func buildBareCSR(t *testing.T, key *rsa.PrivateKey, cn string) []byte {
	t.Helper()
	return signRequestInfo(t, key, requestInfo(t, key, cn, false, nil))
}

func requestInfo(t *testing.T, key *rsa.PrivateKey, cn string, withAttrs bool, attrs []csrAttribute) []byte {
	t.Helper()
	subject, err := asn1.Marshal(pkix.Name{CommonName: cn}.ToRDNSequence())
	require.NoError(t, err)
	spki, err := x509.MarshalPKIXPublicKey(key.Public())
	require.NoError(t, err)

	var info cryptobyte.Builder
	info.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		b.AddBytes(subject)
		b.AddBytes(spki)
		if !withAttrs {
			return
		}
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			for _, a := range attrs {
				b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(a.oid)
					b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
						b.AddASN1(a.tag, func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(a.value))
						})
					})
				})
			}
		})
	})
	tbs, err := info.Bytes()
	require.NoError(t, err)
	return tbs
}

func signRequestInfo(t *testing.T, key *rsa.PrivateKey, tbs []byte) []byte {
	t.Helper()
	digest := sha256.Sum256(tbs)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)

	var req cryptobyte.Builder
	req.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddBytes(tbs)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidSHA256WithRSA)
			b.AddASN1NULL()
		})
		b.AddASN1BitString(sig)
	})
	der, err := req.Bytes()
	require.NoError(t, err)
	return der
}

// standardCSR builds a request with crypto/x509 for an ECDSA key.
func standardCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	require.NoError(t, err)
	return der
}

func sha1Sum(b []byte) []byte {
	sum := sha1.Sum(b)
	return sum[:]
}
