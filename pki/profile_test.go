package pki_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestDefaultProfileRegistry(t *testing.T) {
	r := pki.DefaultProfileRegistry()
	assert.Equal(t, []pki.Role{pki.RoleClient, pki.RoleServer}, r.Roles())

	server, err := r.Resolve(pki.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, server.ExtKeyUsage)
	assert.False(t, server.IsCA)

	client, err := r.Resolve(pki.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, client.ExtKeyUsage)

	_, err = r.Resolve(pki.RoleCA)
	assert.ErrorIs(t, err, pki.ErrUnknownProfile)

	_, err = r.Resolve("nope")
	assert.ErrorIs(t, err, pki.ErrUnknownProfile)
}

func TestProfileRegistry_ResolveReturnsCopy(t *testing.T) {
	r := pki.DefaultProfileRegistry()
	p, err := r.Resolve(pki.RoleServer)
	require.NoError(t, err)
	p.ExtKeyUsage[0] = x509.ExtKeyUsageAny

	again, err := r.Resolve(pki.RoleServer)
	require.NoError(t, err)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, again.ExtKeyUsage)
}

func TestNewProfileRegistry_Rejects(t *testing.T) {
	tests := map[string][]pki.Profile{
		"empty role": {{KeyUsage: x509.KeyUsageDigitalSignature}},
		"ca role":    {{Role: pki.RoleCA}},
		"is ca":      {{Role: "intermediate", IsCA: true}},
		"cert sign":  {{Role: "signer", KeyUsage: x509.KeyUsageCertSign}},
		"duplicate":  {pki.ServerProfile(), pki.ServerProfile()},
	}
	for name, profiles := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := pki.NewProfileRegistry(profiles...)
			assert.Error(t, err)
		})
	}
}
