package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"mantle/internal/crypto"
	"mantle/internal/domain"
)

var (
	// ErrAccountExists means Generate was called on a store that already
	// holds an account.
	ErrAccountExists = errors.New("account: account already exists")
	// ErrNoAccount means the store holds no account yet.
	ErrNoAccount = errors.New("account: no account in store")
)

// Config bounds the prekey pool.
type Config struct {
	// MaxOneTimeKeys caps how many one-time keys we keep locally and
	// advertise. Policy, not invariant; any positive value is valid.
	MaxOneTimeKeys int
}

// DefaultConfig matches the usual server-side advertised target.
func DefaultConfig() Config { return Config{MaxOneTimeKeys: 50} }

// Service manages the Account entity.
type Service struct {
	store domain.Store
	clock clock.Clock
	cfg   Config
}

func New(store domain.Store, clk clock.Clock, cfg Config) *Service {
	if cfg.MaxOneTimeKeys <= 0 {
		cfg.MaxOneTimeKeys = DefaultConfig().MaxOneTimeKeys
	}
	return &Service{store: store, clock: clk, cfg: cfg}
}

// Generate creates the long-term key set for this user/device and persists it.
func (s *Service) Generate(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Account, error) {
	if _, ok, err := s.store.Account(ctx); err != nil {
		return domain.Account{}, err
	} else if ok {
		return domain.Account{}, ErrAccountExists
	}

	idPriv, idPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Account{}, err
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		return domain.Account{}, err
	}

	a := domain.Account{
		UserID:       user,
		DeviceID:     device,
		IdentityPriv: idPriv,
		IdentityPub:  idPub,
		SigningPriv:  signPriv,
		SigningPub:   signPub,
		OneTimeKeys:  make(map[string]domain.OneTimeKeyPair),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// Load fetches the account, reporting ErrNoAccount if absent.
func (s *Service) Load(ctx context.Context) (domain.Account, error) {
	a, ok, err := s.store.Account(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	if !ok {
		return domain.Account{}, ErrNoAccount
	}
	return a, nil
}

// Sign signs payload with the device's long-term signing key.
func (s *Service) Sign(a domain.Account, payload []byte) []byte {
	return crypto.SignEd25519(a.SigningPriv, payload)
}

// DeviceKeys builds the self-signed publishable key set.
func (s *Service) DeviceKeys(a domain.Account) domain.DeviceKeys {
	keys := domain.DeviceKeys{
		UserID:      a.UserID,
		DeviceID:    a.DeviceID,
		IdentityKey: a.IdentityPub,
		SigningKey:  a.SigningPub,
	}
	sig := crypto.SignEd25519(a.SigningPriv, crypto.DeviceKeysSignable(keys))
	keys.Signatures = map[domain.UserID]map[string][]byte{
		a.UserID: {"ed25519:" + string(a.DeviceID): sig},
	}
	return keys
}

// GenerateOneTimeKeys tops the pool up by at most n keys, respecting the
// configured bound. Returns how many were actually created.
func (s *Service) GenerateOneTimeKeys(ctx context.Context, n int) (int, error) {
	a, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}

	room := s.cfg.MaxOneTimeKeys - len(a.OneTimeKeys)
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0, nil
	}
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return 0, err
		}
		id := uuid.NewString()
		a.OneTimeKeys[id] = domain.OneTimeKeyPair{
			ID:        id,
			Priv:      priv,
			Pub:       pub,
			CreatedAt: s.clock.Now(),
		}
	}
	if err := s.store.SaveAccount(ctx, a); err != nil {
		return 0, err
	}
	return n, nil
}

// EnsureFallbackKey guarantees exactly one publishable fallback key exists,
// rotating the previous one into the grace slot.
func (s *Service) EnsureFallbackKey(ctx context.Context, rotate bool) error {
	a, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if a.Fallback != nil && !rotate {
		return nil
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return err
	}
	a.PrevFallback = a.Fallback
	a.Fallback = &domain.FallbackKeyPair{
		ID:        uuid.NewString(),
		Priv:      priv,
		Pub:       pub,
		CreatedAt: s.clock.Now(),
	}
	return s.store.SaveAccount(ctx, a)
}

// PublishRequest builds the publish-identity-and-one-time-keys request for
// everything not yet published. ok is false when nothing needs uploading.
func (s *Service) PublishRequest(ctx context.Context) (domain.OutgoingRequest, bool, error) {
	a, err := s.Load(ctx)
	if err != nil {
		return domain.OutgoingRequest{}, false, err
	}

	req := domain.PublishKeysRequest{}
	if !a.Shared {
		keys := s.DeviceKeys(a)
		req.DeviceKeys = &keys
	}
	for id, pair := range a.OneTimeKeys {
		if pair.Published {
			continue
		}
		if req.OneTimeKeys == nil {
			req.OneTimeKeys = make(map[string]domain.X25519Public)
		}
		req.OneTimeKeys["curve25519:"+id] = pair.Pub
	}
	if a.Fallback != nil && !a.Fallback.Published {
		req.FallbackKey = map[string]domain.X25519Public{
			"curve25519:" + a.Fallback.ID: a.Fallback.Pub,
		}
	}
	if req.DeviceKeys == nil && req.OneTimeKeys == nil && req.FallbackKey == nil {
		return domain.OutgoingRequest{}, false, nil
	}

	return domain.OutgoingRequest{
		ID:          domain.RequestID(uuid.NewString()),
		Kind:        domain.RequestPublishKeys,
		PublishKeys: &req,
	}, true, nil
}

// MarkKeysPublished records a confirmed upload. It clears needs-upload state
// without deleting unconsumed private keys.
func (s *Service) MarkKeysPublished(ctx context.Context) error {
	a, err := s.Load(ctx)
	if err != nil {
		return err
	}
	a.Shared = true
	published := 0
	for id, pair := range a.OneTimeKeys {
		pair.Published = true
		a.OneTimeKeys[id] = pair
		published++
	}
	a.UploadedKeyCount = published
	if a.Fallback != nil {
		a.Fallback.Published = true
	}
	return s.store.SaveAccount(ctx, a)
}

// ConsumeOneTimeKey removes and returns the one-time key with the given id.
// Fallback keys match too but are not removed (they are reusable by design
// until rotated). The exactly-once property for one-time keys comes from the
// delete happening in the same persisted mutation.
func (s *Service) ConsumeOneTimeKey(ctx context.Context, id string) (domain.X25519Private, error) {
	a, err := s.Load(ctx)
	if err != nil {
		return domain.X25519Private{}, err
	}
	if pair, ok := a.OneTimeKeys[id]; ok {
		delete(a.OneTimeKeys, id)
		if err := s.store.SaveAccount(ctx, a); err != nil {
			return domain.X25519Private{}, err
		}
		return pair.Priv, nil
	}
	if a.Fallback != nil && a.Fallback.ID == id {
		return a.Fallback.Priv, nil
	}
	if a.PrevFallback != nil && a.PrevFallback.ID == id {
		return a.PrevFallback.Priv, nil
	}
	return domain.X25519Private{}, fmt.Errorf("account: one-time key %q not found", id)
}

// OneTimeKeyCount reports the local pool size.
func (s *Service) OneTimeKeyCount(ctx context.Context) (int, error) {
	a, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	return len(a.OneTimeKeys), nil
}
