// Command paysign is the operator toolbox for gateway credentials: it
// prints the certificate serials Alipay's certificate mode sends, signs and
// verifies messages with merchant keys, and decrypts WeChat Pay resources.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "paysign",
		Short:         "Signing and certificate tools for WeChat Pay and Alipay",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(certSNCmd())
	rootCmd.AddCommand(rootSNCmd())
	rootCmd.AddCommand(signCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(decryptCmd())

	return rootCmd
}
