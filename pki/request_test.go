package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestCreateRequestRoundTrip(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	keys := map[string]crypto.Signer{
		"rsa":     testRequestKey(t),
		"ecdsa":   ecKey,
		"ed25519": edKey,
	}
	for name, key := range keys {
		t.Run(name, func(t *testing.T) {
			der, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{
				Subject:           "CN=device-7,O=Example",
				Role:              pki.RoleServer,
				ChallengePassword: "s3cret",
			}, key)
			require.NoError(t, err)

			req, err := pki.ParseRequest(der)
			require.NoError(t, err)
			assert.Equal(t, pki.RoleServer, req.Role)
			assert.Equal(t, "s3cret", req.ChallengePassword)
			assert.Equal(t, "CN=device-7,O=Example", req.CSR.Subject.String())
		})
	}
}

func TestCreateRequestRoles(t *testing.T) {
	tests := []struct {
		role pki.Role
		want pki.Role
	}{
		{"", pki.RoleClient},
		{pki.RoleClient, pki.RoleClient},
		{pki.RoleServer, pki.RoleServer},
		{pki.RoleCA, pki.RoleCA},
		{"device_ota", "device_ota"},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			der, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{Subject: "CN=x", Role: tt.role}, testRequestKey(t))
			require.NoError(t, err)
			req, err := pki.ParseRequest(der)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Role)
			assert.Empty(t, req.ChallengePassword)
		})
	}
}

func TestCreateRequestInvalidSubject(t *testing.T) {
	_, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{Subject: "NOPE=x"}, testRequestKey(t))
	assert.Error(t, err)

	_, err = pki.CreateRequest(rand.Reader, pki.RequestTemplate{}, testRequestKey(t))
	assert.Error(t, err)
}
