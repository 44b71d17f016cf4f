// ABOUTME: keygen command printing a fresh token-encryption key
// ABOUTME: The key goes into RELSYNC_ENCRYPTION_KEY or encryption_key in relsync.yaml
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harperreed/relsync/vault"
)

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a 256-bit encryption key for stored tokens",
		Args:  cobra.NoArgs,
		// Needs no configuration; the key is what configuration is missing.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
