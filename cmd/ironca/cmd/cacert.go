package cmd

import (
	"github.com/spf13/cobra"
)

func newCACertCmd(c *cli) *cobra.Command {
	var (
		out string
		der bool
	)
	cmd := &cobra.Command{
		Use:   "ca-cert",
		Short: "Print the CA certificate",
		Args:  cobra.NoArgs,
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
			if der {
				return writeOutput(cmd, out, cert.Raw, 0o644)
			}
			return writeOutput(cmd, out, certPEM(cert), 0o644)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&der, "der", false, "Write DER instead of PEM")
	return cmd
}
