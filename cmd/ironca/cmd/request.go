package cmd

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

func newRequestCmd(c *cli) *cobra.Command {
	var (
		subject string
		role    string
		keyType string
		keyOut  string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Generate a key pair and a certificate request for it",
		Long: `Generates a private key and a PKCS#10 request carrying the role attribute
and, when configured, the challenge password. The request can be passed to
"ironca sign" or posted to the enrollment API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := generateRequestKey(keyType)
			if err != nil {
				return err
			}
			der, err := pki.CreateRequest(rand.Reader, pki.RequestTemplate{
				Subject:           subject,
				Role:              pki.Role(role),
				ChallengePassword: c.v.GetString("challenge-password"),
			}, key)
			if err != nil {
				return err
			}

			pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
			if err != nil {
				return fmt.Errorf("encoding private key: %w", err)
			}
			keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})
			if err := writeOutput(cmd, keyOut, keyPEM, 0o600); err != nil {
				return err
			}
			csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
			return writeOutput(cmd, out, csrPEM, 0o644)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", `Subject distinguished name, e.g. "CN=web01,O=Example"`)
	cmd.Flags().StringVar(&role, "role", string(pki.RoleClient), "Requested role: server or client")
	cmd.Flags().StringVar(&keyType, "key-type", "ec", "Key type: ec (P-256), rsa (2048) or ed25519")
	cmd.Flags().StringVar(&keyOut, "key-out", "", "File for the PKCS#8 private key")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file for the request (default stdout)")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("key-out")
	return cmd
}

func generateRequestKey(keyType string) (crypto.Signer, error) {
	var (
		key crypto.Signer
		err error
	)
	switch strings.ToLower(keyType) {
	case "ec", "ecdsa":
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "rsa":
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case "ed25519":
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("unknown key type %q", keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", keyType, err)
	}
	return key, nil
}
