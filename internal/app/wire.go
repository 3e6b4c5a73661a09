package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"mantle/internal/domain"
	"mantle/internal/machine"
	"mantle/internal/services/account"
	"mantle/internal/services/backup"
	"mantle/internal/services/gossip"
	"mantle/internal/services/group"
	"mantle/internal/services/session"
	"mantle/internal/services/trust"
	"mantle/internal/services/verification"
	"mantle/internal/store/filestore"
	"mantle/internal/store/sealed"
	"mantle/internal/store/sqlitestore"
)

// Wire bundles the store, services and orchestrator for the CLI.
type Wire struct {
	Store    *sealed.Store
	Services machine.Services
	Machine  *machine.Machine
	Log      *zap.Logger

	// Secrets is the in-memory cache behind the gossip secret provider.
	// Secrets live here only for the process lifetime; the durable copy is
	// whatever the user does with them.
	Secrets *SecretCache

	close func() error
}

// NewWire constructs the dependency graph from cfg.
func NewWire(ctx context.Context, cfg Config) (*Wire, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	store, err := sealed.Open(ctx, backend, cfg.Passphrase)
	if err != nil {
		if closeBackend != nil {
			closeBackend()
		}
		return nil, err
	}

	clk := clock.New()
	secrets := &SecretCache{values: map[string][]byte{}}

	accounts := account.New(store, clk, cfg.Accounts)
	sessions := session.New(store, accounts, clk)
	trustSvc := trust.New(store, clk, log.Named("trust"))
	groups := group.New(store, sessions, clk, cfg.Groups)
	verif := verification.New(store, trustSvc, clk, cfg.Verification, log.Named("verification"))
	gossipSvc := gossip.New(store, trustSvc, sessions, secrets.Provide, clk, log.Named("gossip"))
	backupSvc := backup.New(store, groups, clk)

	services := machine.Services{
		Accounts:     accounts,
		Sessions:     sessions,
		Groups:       groups,
		Trust:        trustSvc,
		Verification: verif,
		Gossip:       gossipSvc,
		Backup:       backupSvc,
	}

	mcfg := cfg.Machine
	if mcfg.SecretSink == nil {
		// Received secrets land in the cache so this device can answer its
		// own siblings' requests later.
		mcfg.SecretSink = func(_ context.Context, id domain.RequestID, secret []byte) error {
			secrets.Set(string(id), secret)
			return nil
		}
	}

	return &Wire{
		Store:    store,
		Services: services,
		Machine:  machine.New(store, services, clk, mcfg, log.Named("machine")),
		Log:      log,
		Secrets:  secrets,
		close:    closeBackend,
	}, nil
}

// Close wipes the store keys and releases the backend.
func (w *Wire) Close() error {
	w.Store.Close()
	if w.close != nil {
		return w.close()
	}
	return nil
}

func openBackend(cfg Config) (sealed.Backend, func() error, error) {
	switch cfg.Backend {
	case BackendFile, "":
		fs, err := filestore.Open(filepath.Join(cfg.Home, "store.json"))
		if err != nil {
			return nil, nil, err
		}
		return fs, nil, nil
	case BackendSQLite:
		db, err := sqlitestore.Open(filepath.Join(cfg.Home, "store.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("app: unknown store backend %q", cfg.Backend)
	}
}

// SecretCache is a process-local named secret holder implementing the gossip
// provider contract.
type SecretCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

// Set makes a secret shareable under name.
func (c *SecretCache) Set(name string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[name] = append([]byte(nil), value...)
}

// Provide satisfies gossip.SecretProvider.
func (c *SecretCache) Provide(_ context.Context, name string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return append([]byte(nil), v...), ok, nil
}
