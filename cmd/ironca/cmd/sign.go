package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/pki"
)

func newSignCmd(c *cli) *cobra.Command {
	var csrPath, out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue a certificate for a PKCS#10 request",
		Long: `Reads a PEM or DER certificate signing request, checks it against the
configured challenge password, and issues a server or client certificate
according to the role requested in the CSR.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readInput(cmd, csrPath)
			if err != nil {
				return err
			}
			der, err := pki.DecodeCSR(data)
			if err != nil {
				return err
			}

			sess, err := c.openCA(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			cert, err := sess.ca.SignCertificate(cmd.Context(), der)
			if err != nil {
				return err
			}
			return writeOutput(cmd, out, certPEM(cert), 0o644)
		},
	}
	cmd.Flags().StringVar(&csrPath, "csr", "", "Certificate request file, or - for stdin")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file for the certificate (default stdout)")
	cmd.MarkFlagRequired("csr")
	return cmd
}
