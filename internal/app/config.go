package app

import (
	"go.uber.org/zap"

	"mantle/internal/machine"
	"mantle/internal/services/account"
	"mantle/internal/services/group"
	"mantle/internal/services/verification"
)

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds runtime wiring options for building the engine.
type Config struct {
	Home       string // data directory, e.g. $HOME/.mantle
	Passphrase string // protects everything in the store
	Backend    string // BackendFile (default) or BackendSQLite

	Logger *zap.Logger // optional; defaults to a no-op logger

	Accounts     account.Config
	Groups       group.Config
	Verification verification.Config
	Machine      machine.Config
}
