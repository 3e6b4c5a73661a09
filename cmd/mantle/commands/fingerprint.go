package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"mantle/internal/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire.Machine.Account(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s / %s\n", a.UserID, a.DeviceID)
			fmt.Printf("Identity fingerprint: %s\n", crypto.Fingerprint(a.IdentityPub.Slice()))
			fmt.Printf("Identity key: %s\n", a.IdentityPub.Base64())
			fmt.Printf("Signing key:  %s\n", a.SigningPub.Base64())
			return nil
		},
	}
}
