package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/paysign/internal/certid"
	"github.com/mbd888/paysign/internal/signing"
)

func certSNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "certsn [certificate]",
		Short: "Print app_cert_sn for an application or Alipay public key certificate",
		Long: `Print the certificate serial Alipay expects in app_cert_sn: the MD5
of the issuer string followed by the decimal serial number.

The argument is a PEM file path or PEM text.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pemText, err := signing.ReadSource(args[0])
			if err != nil {
				return err
			}
			sn, err := certid.Fingerprint([]byte(pemText))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sn)
			return nil
		},
	}
}

func rootSNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rootsn [bundle]",
		Short: "Print alipay_root_cert_sn for the Alipay root certificate bundle",
		Long: `Print alipay_root_cert_sn: the fingerprints of the RSA certificates in
the bundle joined with "_". Non-RSA certificates are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pemText, err := signing.ReadSource(args[0])
			if err != nil {
				return err
			}
			sn, err := certid.RootFingerprint([]byte(pemText))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sn)
			return nil
		},
	}
}
