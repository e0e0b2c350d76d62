package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/paysign/internal/aead"
)

func decryptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt an AEAD_AES_256_GCM resource with the API v3 key",
		Long: `Decrypt the ciphertext of a WeChat Pay notification resource or an
encrypted platform certificate. The ciphertext is the base64 value from
the payload; it is read from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			nonce, _ := cmd.Flags().GetString("nonce")
			ad, _ := cmd.Flags().GetString("associated-data")

			var ciphertext string
			if len(args) == 1 {
				ciphertext = args[0]
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				ciphertext = string(data)
			}

			plain, err := aead.DecryptString(key, ad, nonce, strings.TrimSpace(ciphertext))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(plain))
			return nil
		},
	}
	cmd.Flags().StringP("key", "k", "", "32-byte API v3 key")
	cmd.Flags().StringP("nonce", "n", "", "Nonce from the resource")
	cmd.Flags().StringP("associated-data", "a", "", "Associated data from the resource")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("nonce")
	return cmd
}
