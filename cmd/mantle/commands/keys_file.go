package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mantle/internal/domain"
	"mantle/internal/sealer"
	"mantle/internal/services/group"
)

// exportTable is the associated-data label for key export files.
const exportTable = "key_export"

// keyExportFile is the on-disk envelope: KDF parameters in the clear, the
// session list sealed under a passphrase of its own.
type keyExportFile struct {
	Salt   []byte           `json:"salt"`
	KDF    sealer.KDFParams `json:"kdf"`
	Cipher []byte           `json:"cipher"`
}

func exportKeysCmd() *cobra.Command {
	var out string
	var filePass string
	cmd := &cobra.Command{
		Use:   "export-keys",
		Short: "Write all held session keys to an encrypted file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePass == "" {
				return fmt.Errorf("export passphrase required (--file-passphrase)")
			}
			sessions, err := wire.Services.Groups.ExportAll(cmd.Context())
			if err != nil {
				return err
			}
			plaintext, err := json.Marshal(sessions)
			if err != nil {
				return err
			}

			salt, err := sealer.NewSalt()
			if err != nil {
				return err
			}
			params := sealer.DefaultKDFParams()
			keys, err := sealer.DeriveKeys(filePass, salt, params)
			if err != nil {
				return err
			}
			defer keys.Wipe()
			cipher, err := keys.Seal(exportTable, plaintext)
			if err != nil {
				return err
			}

			raw, err := json.Marshal(keyExportFile{Salt: salt, KDF: params, Cipher: cipher})
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, raw, 0o600); err != nil {
				return err
			}
			fmt.Printf("Exported %d sessions to %s.\n", len(sessions), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "mantle-keys.json", "output file")
	cmd.Flags().StringVar(&filePass, "file-passphrase", "", "passphrase sealing the export file")
	return cmd
}

func importKeysCmd() *cobra.Command {
	var filePass string
	cmd := &cobra.Command{
		Use:   "import-keys <file>",
		Short: "Import session keys from an encrypted export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePass == "" {
				return fmt.Errorf("export passphrase required (--file-passphrase)")
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var file keyExportFile
			if err := json.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("not a key export file: %w", err)
			}

			keys, err := sealer.DeriveKeys(filePass, file.Salt, file.KDF)
			if err != nil {
				return err
			}
			defer keys.Wipe()
			plaintext, err := keys.Open(exportTable, file.Cipher)
			if err != nil {
				return fmt.Errorf("wrong passphrase or corrupt file: %w", err)
			}
			var sessions []domain.ExportedGroupSession
			if err := json.Unmarshal(plaintext, &sessions); err != nil {
				return err
			}

			imported := 0
			for _, sess := range sessions {
				_, err := wire.Services.Groups.Import(cmd.Context(), group.ImportKey{
					RoomID:          sess.RoomID,
					SessionID:       sess.SessionID,
					SenderKey:       sess.SenderKey,
					SigningKey:      sess.SigningKey,
					ChainKey:        sess.ChainKey,
					ChainIndex:      sess.ChainIndex,
					Provenance:      domain.ProvenanceBackup,
					ForwardingChain: sess.ForwardingChain,
				})
				if err != nil {
					fmt.Printf("Skipping session %s: %v\n", sess.SessionID, err)
					continue
				}
				imported++
			}
			fmt.Printf("Imported %d of %d sessions.\n", imported, len(sessions))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePass, "file-passphrase", "", "passphrase sealing the export file")
	return cmd
}
