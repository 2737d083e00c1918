package pki_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/pki"
)

func TestChallengePasswordAuthorizer(t *testing.T) {
	a := pki.NewChallengePasswordAuthorizer("s3cret")

	tests := []struct {
		challenge string
		want      bool
	}{
		{"s3cret", true},
		{"S3cret", false},
		{"s3cret ", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := a.IsAuthorized(t.Context(), &pki.Request{ChallengePassword: tt.challenge})
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "challenge %q", tt.challenge)
	}
}

func TestChallengePasswordAuthorizer_EmptySecretDeniesAll(t *testing.T) {
	a := pki.NewChallengePasswordAuthorizer("")
	ok, err := a.IsAuthorized(t.Context(), &pki.Request{ChallengePassword: ""})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = a.IsAuthorized(t.Context(), &pki.Request{ChallengePassword: "anything"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowAllDenyAll(t *testing.T) {
	ok, err := pki.AllowAll().IsAuthorized(t.Context(), &pki.Request{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pki.DenyAll().IsAuthorized(t.Context(), &pki.Request{})
	require.NoError(t, err)
	assert.False(t, ok)
}
