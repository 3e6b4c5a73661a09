package backup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/services/group"
	"mantle/internal/util/memzero"
)

var (
	// ErrNoBackupKey means no backup version is configured.
	ErrNoBackupKey = errors.New("backup: no backup key set")
	// ErrOpenFailed means the entry would not decrypt under the given key.
	ErrOpenFailed = errors.New("backup: entry authentication failed")
	// ErrVersionMismatch means the entry belongs to a different backup
	// version than the key offered for it.
	ErrVersionMismatch = errors.New("backup: entry version does not match key")
)

const sealInfo = "mantle-backup|v1"

// Service exports sessions to the encrypted backup and restores them.
type Service struct {
	store  domain.Store
	groups *group.Service
	clock  clock.Clock
}

func New(store domain.Store, groups *group.Service, clk clock.Clock) *Service {
	return &Service{store: store, groups: groups, clock: clk}
}

// CreateVersion generates a new backup key pair and makes it the active
// version. Every held session becomes pending for re-upload. The private
// key is returned once and never stored; losing it loses the backup.
func (s *Service) CreateVersion(ctx context.Context) (domain.BackupKey, domain.X25519Private, *domain.OutgoingRequest, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.BackupKey{}, domain.X25519Private{}, nil, err
	}
	key := domain.BackupKey{
		Version:   uuid.NewString(),
		PublicKey: pub,
		CreatedAt: s.clock.Now(),
	}
	if err := s.SetBackupKey(ctx, key); err != nil {
		return domain.BackupKey{}, domain.X25519Private{}, nil, err
	}
	req := &domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestUploadBackupVersion,
		UploadBackupVersion: &domain.UploadBackupVersionRequest{
			Version:   key.Version,
			PublicKey: key.PublicKey,
		},
	}
	return key, priv, req, nil
}

// SetBackupKey adopts a backup version. Exports against any earlier version
// stop; every held session is pending again under the new one.
func (s *Service) SetBackupKey(ctx context.Context, key domain.BackupKey) error {
	return s.store.Transaction(ctx, func(tx domain.Store) error {
		if err := tx.SaveBackupKey(ctx, key); err != nil {
			return err
		}
		sessions, err := tx.InboundGroupSessions(ctx)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if !sess.BackedUp {
				continue
			}
			sess.BackedUp = false
			if err := tx.SaveInboundGroupSession(ctx, sess); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export seals one session against the active backup key.
func (s *Service) Export(ctx context.Context, sess domain.InboundGroupSession) (domain.BackupEntry, error) {
	key, ok, err := s.store.BackupKey(ctx)
	if err != nil {
		return domain.BackupEntry{}, err
	}
	if !ok {
		return domain.BackupEntry{}, ErrNoBackupKey
	}

	exported, err := s.groups.Export(ctx, sess.RoomID, sess.ID)
	if err != nil {
		return domain.BackupEntry{}, err
	}
	plaintext, err := json.Marshal(exported)
	if err != nil {
		return domain.BackupEntry{}, err
	}

	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.BackupEntry{}, err
	}
	defer memzero.Zero(ephPriv[:])
	cipher, err := seal(ephPriv, key.PublicKey, plaintext)
	if err != nil {
		return domain.BackupEntry{}, err
	}

	return domain.BackupEntry{
		Version:         key.Version,
		RoomID:          sess.RoomID,
		SessionID:       sess.ID,
		FirstKnownIndex: exported.ChainIndex,
		Ephemeral:       ephPub,
		Cipher:          cipher,
	}, nil
}

// Import opens a backup entry with the version's private key and installs
// the session with restored-from-backup provenance.
func (s *Service) Import(ctx context.Context, entry domain.BackupEntry, priv domain.X25519Private) (domain.InboundGroupSession, error) {
	plaintext, err := open(priv, entry.Ephemeral, entry.Cipher)
	if err != nil {
		return domain.InboundGroupSession{}, err
	}
	var exported domain.ExportedGroupSession
	if err := json.Unmarshal(plaintext, &exported); err != nil {
		return domain.InboundGroupSession{}, ErrOpenFailed
	}

	sess, err := s.groups.Import(ctx, group.ImportKey{
		RoomID:          exported.RoomID,
		SessionID:       exported.SessionID,
		SenderKey:       exported.SenderKey,
		SigningKey:      exported.SigningKey,
		ChainKey:        exported.ChainKey,
		ChainIndex:      exported.ChainIndex,
		Provenance:      domain.ProvenanceBackup,
		ForwardingChain: exported.ForwardingChain,
	})
	if err != nil {
		return domain.InboundGroupSession{}, err
	}
	// It came from the backup, so it is in the backup.
	sess.BackedUp = true
	if err := s.store.SaveInboundGroupSession(ctx, sess); err != nil {
		return domain.InboundGroupSession{}, err
	}
	return sess, nil
}

// PendingExports seals up to limit not-yet-uploaded sessions into an upload
// request. Nothing pending, or no key, means no request.
func (s *Service) PendingExports(ctx context.Context, limit int) (*domain.OutgoingRequest, error) {
	key, ok, err := s.store.BackupKey(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	sessions, err := s.store.InboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}

	var entries []domain.BackupEntry
	for _, sess := range sessions {
		if sess.BackedUp {
			continue
		}
		entry, err := s.Export(ctx, sess)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestUploadBackupEntries,
		UploadBackupEntries: &domain.UploadBackupEntriesRequest{
			Version: key.Version,
			Entries: entries,
		},
	}, nil
}

// MarkUploaded records that the server accepted the entries, so they drop
// out of the pending set.
func (s *Service) MarkUploaded(ctx context.Context, entries []domain.BackupEntry) error {
	key, ok, err := s.store.BackupKey(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !ok || entry.Version != key.Version {
			continue
		}
		sess, found, err := s.store.InboundGroupSession(ctx, entry.RoomID, entry.SessionID)
		if err != nil {
			return err
		}
		if !found || sess.BackedUp {
			continue
		}
		sess.BackedUp = true
		if err := s.store.SaveInboundGroupSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// --- entry sealing ---

func sealKey(dh [32]byte) ([]byte, error) {
	r := hkdf.New(sha256.New, dh[:], nil, []byte(sealInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(ephPriv domain.X25519Private, backupPub domain.X25519Public, plaintext []byte) ([]byte, error) {
	dh, err := crypto.DH(ephPriv, backupPub)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh[:])
	key, err := sealKey(dh)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	// The key is unique to this entry, so a zero nonce would do; a random
	// one costs nothing and keeps the framing uniform with the store sealer.
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(priv domain.X25519Private, ephPub domain.X25519Public, cipher []byte) ([]byte, error) {
	dh, err := crypto.DH(priv, ephPub)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(dh[:])
	key, err := sealKey(dh)
	if err != nil {
		return nil, err
	}
	defer memzero.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(cipher) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrOpenFailed
	}
	pt, err := aead.Open(nil, cipher[:aead.NonceSize()], cipher[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}
