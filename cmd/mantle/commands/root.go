package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mantle/internal/app"
)

var (
	home       string
	passphrase string
	backend    string

	wire *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "mantle",
		Short: "E2EE engine maintenance for federated chat",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".mantle")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			var err error
			wire, err = app.NewWire(cmd.Context(), app.Config{
				Home:       home,
				Passphrase: passphrase,
				Backend:    backend,
			})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if wire != nil {
				return wire.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.mantle)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the store")
	root.PersistentFlags().StringVar(&backend, "backend", app.BackendFile, "store backend: file or sqlite")

	root.AddCommand(initCmd(), fingerprintCmd(), prekeysCmd(), backupKeyCmd(), exportKeysCmd(), importKeysCmd())
	return root.Execute()
}
