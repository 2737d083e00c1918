package cmd

import (
	"crypto/sha256"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/internal/util"
)

func newInitCmd(c *cli) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the CA, or load and verify an existing one",
		Long: `Creates the CA key pair and self-signed certificate (serial 1) in the
configured storage, sealed under the CA password. When the storage already
holds a CA it is loaded and checked against the password instead.
The CA certificate is written as PEM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := c.openCA(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			cert, err := sess.ca.CACertificate()
			if err != nil {
				return err
			}
			sum := sha256.Sum256(cert.Raw)
			c.logger.Info("CA ready",
				"subject", cert.Subject.String(),
				"not_after", cert.NotAfter,
				"sha256", util.HexColon(sum[:]),
			)
			return writeOutput(cmd, out, certPEM(cert), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the CA certificate here instead of stdout")
	return cmd
}
