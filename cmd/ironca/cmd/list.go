package cmd

import (
	"crypto/x509"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List issued certificates in serial order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := c.openCA(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			certs, err := sess.ca.ListCertificates(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SERIAL\tSUBJECT\tNOT AFTER\tUSAGE")
			for _, cert := range certs {
				usage := "ca"
				if !cert.IsCA {
					usage = strings.Join(extKeyUsageNames(cert.ExtKeyUsage), ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					cert.SerialNumber, cert.Subject, cert.NotAfter.UTC().Format(time.RFC3339), usage)
			}
			return tw.Flush()
		},
	}
}

func extKeyUsageNames(ekus []x509.ExtKeyUsage) []string {
	names := make([]string, 0, len(ekus))
	for _, eku := range ekus {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			names = append(names, "serverAuth")
		case x509.ExtKeyUsageClientAuth:
			names = append(names, "clientAuth")
		default:
			names = append(names, "other")
		}
	}
	return names
}
