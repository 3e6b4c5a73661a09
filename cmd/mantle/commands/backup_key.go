package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func backupKeyCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "backup-key",
		Short: "Show or rotate the session backup key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if create {
				key, priv, err := wire.Machine.CreateBackupVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Backup version %s created.\n", key.Version)
				fmt.Printf("Recovery key (write it down, it is not stored):\n  %s\n",
					base64.RawStdEncoding.EncodeToString(priv.Slice()))
				return nil
			}
			key, ok, err := wire.Store.BackupKey(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("No backup key configured.")
				return nil
			}
			fmt.Printf("Version: %s\nPublic key: %s\nCreated: %s\n",
				key.Version, key.PublicKey.Base64(), key.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create a new backup version, retiring the old one")
	return cmd
}
