package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	tlsutil "github.com/psantana5/schedopt/pkg/tls"
)

var (
	certFile  string
	keyFile   string
	certHosts []string
	certValid time.Duration
)

var genCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed TLS certificate",
	Long: `Generate a self-signed certificate for server.tls. localhost, 127.0.0.1
and ::1 are always included; add more SANs with --host.

Example:
  optimizer gen-cert --host 192.168.0.51 --host optimizer.internal
  optctl --server https://localhost:8080 --ca-cert certs/optimizer.crt jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := tlsutil.GenerateSelfSigned(certFile, keyFile, tlsutil.CertOptions{
			CommonName: "optimizer",
			Hosts:      certHosts,
			ValidFor:   certValid,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Certificate: %s\nKey:         %s\n", certFile, keyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genCertCmd)
	genCertCmd.Flags().StringVar(&certFile, "cert", "optimizer.crt", "certificate output file")
	genCertCmd.Flags().StringVar(&keyFile, "key", "optimizer.key", "private key output file")
	genCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra IP address or hostname (repeatable)")
	genCertCmd.Flags().DurationVar(&certValid, "valid-for", 365*24*time.Hour, "certificate lifetime")
}
