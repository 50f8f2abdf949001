package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/cellgate/internal/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate an argon2id hash for an API key",
	Long: `Generate an argon2id hash of an API key for auth.keys[].secret_hash.

Example:
  cellgate hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

The key will appear in shell history; prefer passing it from a variable.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
