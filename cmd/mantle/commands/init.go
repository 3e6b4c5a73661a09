package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"mantle/internal/crypto"
	"mantle/internal/domain"
)

func initCmd() *cobra.Command {
	var deviceID string
	cmd := &cobra.Command{
		Use:   "init <user-id>",
		Short: "Create the device account and fill the prekey pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wire.Machine.Bootstrap(cmd.Context(), domain.UserID(args[0]), domain.DeviceID(deviceID))
			if err != nil {
				return err
			}
			fmt.Printf("Account created for %s (device %s).\n", a.UserID, a.DeviceID)
			fmt.Printf("Identity fingerprint: %s\n", crypto.Fingerprint(a.IdentityPub.Slice()))
			fmt.Printf("Signing key: %s\n", a.SigningPub.Base64())
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "MANTLE", "device id for this installation")
	return cmd
}
