package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func prekeysCmd() *cobra.Command {
	var generate int
	var rotateFallback bool
	cmd := &cobra.Command{
		Use:   "prekeys",
		Short: "Show or top up the one-time key pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if generate > 0 {
				n, err := wire.Services.Accounts.GenerateOneTimeKeys(ctx, generate)
				if err != nil {
					return err
				}
				fmt.Printf("Generated %d one-time keys.\n", n)
			}
			if rotateFallback {
				if err := wire.Services.Accounts.EnsureFallbackKey(ctx, true); err != nil {
					return err
				}
				fmt.Println("Fallback key rotated.")
			}
			count, err := wire.Services.Accounts.OneTimeKeyCount(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("One-time keys held: %d\n", count)
			return nil
		},
	}
	cmd.Flags().IntVar(&generate, "generate", 0, "generate up to n new one-time keys")
	cmd.Flags().BoolVar(&rotateFallback, "rotate-fallback", false, "rotate the fallback key")
	return cmd
}
