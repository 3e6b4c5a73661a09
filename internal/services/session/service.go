package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/protocol/ratchet"
	"mantle/internal/protocol/x3dh"
	"mantle/internal/services/account"
	"mantle/internal/util/memzero"
)

var (
	// ErrNoSession means no session exists with the device; claim a one-time
	// key and create one before encrypting.
	ErrNoSession = errors.New("session: no session with device")
	// ErrSessionMismatch means the ciphertext was not produced for any ratchet
	// state we hold (and carried no prekey message to bootstrap from).
	ErrSessionMismatch = errors.New("session: ciphertext does not match any known session")
	// ErrUndecryptable means a matching session exists but the message is
	// corrupted or replayed past the ratchet position.
	ErrUndecryptable = errors.New("session: message corrupted or replayed")
)

// Service is the pairwise session manager.
type Service struct {
	store    domain.Store
	accounts *account.Service
	clock    clock.Clock
}

func New(store domain.Store, accounts *account.Service, clk clock.Clock) *Service {
	return &Service{store: store, accounts: accounts, clock: clk}
}

// CreateOutbound establishes a session from a claimed one-time key and
// returns it together with the prekey message the first envelope must carry.
func (s *Service) CreateOutbound(
	ctx context.Context,
	a domain.Account,
	user domain.UserID,
	device domain.DeviceID,
	remoteIdentity domain.X25519Public,
	oneTimeKeyID string,
	oneTimeKey domain.X25519Public,
) (domain.PairwiseSession, domain.PreKeyMessage, error) {
	ephPriv, ephPub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.PairwiseSession{}, domain.PreKeyMessage{}, err
	}
	root, err := x3dh.InitiatorRoot(a.IdentityPriv, ephPriv, remoteIdentity, oneTimeKey)
	if err != nil {
		return domain.PairwiseSession{}, domain.PreKeyMessage{}, err
	}
	defer memzero.Zero(root)

	st, err := ratchet.InitAsInitiator(root, remoteIdentity)
	if err != nil {
		return domain.PairwiseSession{}, domain.PreKeyMessage{}, err
	}

	prekey := domain.PreKeyMessage{
		InitiatorIdentity: a.IdentityPub,
		Ephemeral:         ephPub,
		OneTimeKeyID:      oneTimeKeyID,
	}
	now := s.clock.Now()
	sess := domain.PairwiseSession{
		ID:                domain.SessionID(uuid.NewString()),
		UserID:            user,
		DeviceID:          device,
		RemoteIdentityKey: remoteIdentity,
		State:             st,
		PendingPreKey:     &prekey,
		CreatedAt:         now,
		LastUsedAt:        now,
	}
	if err := s.store.SavePairwiseSession(ctx, sess); err != nil {
		return domain.PairwiseSession{}, domain.PreKeyMessage{}, err
	}
	return sess, prekey, nil
}

// Encrypt seals plaintext for the device behind remoteIdentity using the
// most recently used session. The ratchet advances: calling Encrypt twice
// with the same plaintext produces two distinct ciphertexts.
func (s *Service) Encrypt(
	ctx context.Context,
	a domain.Account,
	remoteIdentity domain.X25519Public,
	plaintext []byte,
	prekey *domain.PreKeyMessage,
) (domain.PairwiseEnvelope, error) {
	sessions, err := s.store.PairwiseSessions(ctx, remoteIdentity)
	if err != nil {
		return domain.PairwiseEnvelope{}, err
	}
	if len(sessions) == 0 {
		return domain.PairwiseEnvelope{}, ErrNoSession
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	sess := sessions[0]
	if prekey == nil {
		prekey = sess.PendingPreKey
	}

	header, ct, err := ratchet.Encrypt(&sess.State, pairwiseAD(a.IdentityPub, remoteIdentity), plaintext)
	if err != nil {
		return domain.PairwiseEnvelope{}, err
	}
	sess.LastUsedAt = s.clock.Now()
	if err := s.store.SavePairwiseSession(ctx, sess); err != nil {
		return domain.PairwiseEnvelope{}, err
	}

	return domain.PairwiseEnvelope{
		SessionID: sess.ID,
		SenderKey: a.IdentityPub,
		Header:    header,
		Cipher:    ct,
		PreKey:    prekey,
	}, nil
}

// Decrypt opens an inbound envelope. Existing sessions are tried newest
// first on copies of their state; if none matches and the envelope carries a
// prekey message, a responder session is bootstrapped from it.
func (s *Service) Decrypt(
	ctx context.Context,
	a domain.Account,
	sender domain.UserID,
	senderDevice domain.DeviceID,
	env domain.PairwiseEnvelope,
) ([]byte, error) {
	ad := pairwiseAD(env.SenderKey, a.IdentityPub)

	sessions, err := s.store.PairwiseSessions(ctx, env.SenderKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})

	for _, sess := range sessions {
		trial := sess // copy; State maps are replaced wholesale by Decrypt's bookkeeping
		trial.State = cloneRatchetState(sess.State)
		pt, err := ratchet.Decrypt(&trial.State, ad, env.Header, env.Cipher)
		if err != nil {
			continue
		}
		trial.LastUsedAt = s.clock.Now()
		trial.PendingPreKey = nil // the remote side provably holds this session
		if err := s.store.SavePairwiseSession(ctx, trial); err != nil {
			return nil, err
		}
		return pt, nil
	}

	if env.PreKey == nil {
		if len(sessions) == 0 {
			return nil, ErrSessionMismatch
		}
		return nil, ErrUndecryptable
	}
	return s.decryptWithBootstrap(ctx, a, sender, senderDevice, env, ad)
}

// bootstrapScope keys consumed prekey bootstraps in the replay cache.
// Fallback keys are reusable, so the key id alone cannot gate re-bootstrap;
// the recorded digest binds the initiator's identity and ephemeral too.
const bootstrapScope = domain.SessionID("pairwise-bootstrap")

func bootstrapDigest(pk *domain.PreKeyMessage, keyID string) []byte {
	h := sha256.New()
	h.Write(pk.InitiatorIdentity[:])
	h.Write(pk.Ephemeral[:])
	h.Write([]byte(keyID))
	return h.Sum(nil)
}

// decryptWithBootstrap runs the responder side of X3DH and opens the first
// message. The consumed one-time key is only gone once the new session
// persists, both inside the same store transaction. Each (initiator,
// ephemeral, key id) tuple bootstraps at most once; a replayed first
// envelope is refused instead of silently decrypting a second time.
func (s *Service) decryptWithBootstrap(
	ctx context.Context,
	a domain.Account,
	sender domain.UserID,
	senderDevice domain.DeviceID,
	env domain.PairwiseEnvelope,
	ad []byte,
) ([]byte, error) {
	pk := env.PreKey
	keyID := pk.OneTimeKeyID
	if keyID == "" {
		keyID = pk.FallbackKeyID
	}
	if keyID == "" {
		return nil, fmt.Errorf("session: prekey message names no key: %w", ErrSessionMismatch)
	}
	if len(env.Header.DHPub) != 32 {
		return nil, ErrSessionMismatch
	}

	digest := bootstrapDigest(pk, keyID)

	var pt []byte
	err := s.store.Transaction(ctx, func(tx domain.Store) error {
		seen, err := tx.SeenCiphertext(ctx, bootstrapScope, digest)
		if err != nil {
			return err
		}
		if seen {
			return ErrUndecryptable
		}

		txAccounts := account.New(tx, s.clock, account.Config{})
		otkPriv, err := txAccounts.ConsumeOneTimeKey(ctx, keyID)
		if err != nil {
			return fmt.Errorf("session: %w: %v", ErrSessionMismatch, err)
		}
		defer memzero.Zero(otkPriv[:])

		root, err := x3dh.ResponderRoot(a.IdentityPriv, otkPriv, pk.InitiatorIdentity, pk.Ephemeral)
		if err != nil {
			return err
		}
		defer memzero.Zero(root)

		var senderRatchetPub domain.X25519Public
		copy(senderRatchetPub[:], env.Header.DHPub)
		st, err := ratchet.InitAsResponder(root, a.IdentityPriv, senderRatchetPub)
		if err != nil {
			return err
		}

		pt, err = ratchet.Decrypt(&st, ad, env.Header, env.Cipher)
		if err != nil {
			return ErrUndecryptable
		}
		if err := tx.RememberCiphertext(ctx, bootstrapScope, digest); err != nil {
			return err
		}

		now := s.clock.Now()
		return tx.SavePairwiseSession(ctx, domain.PairwiseSession{
			ID:                domain.SessionID(uuid.NewString()),
			UserID:            sender,
			DeviceID:          senderDevice,
			RemoteIdentityKey: env.SenderKey,
			State:             st,
			CreatedAt:         now,
			LastUsedAt:        now,
		})
	})
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// HasSession reports whether any session exists with the device.
func (s *Service) HasSession(ctx context.Context, remoteIdentity domain.X25519Public) (bool, error) {
	sessions, err := s.store.PairwiseSessions(ctx, remoteIdentity)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// pairwiseAD binds sender and receiver identity keys into the AEAD.
func pairwiseAD(sender, receiver domain.X25519Public) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, sender[:]...)
	return append(ad, receiver[:]...)
}

func cloneRatchetState(st domain.RatchetState) domain.RatchetState {
	out := st
	out.RootKey = append([]byte(nil), st.RootKey...)
	out.SendCK = append([]byte(nil), st.SendCK...)
	out.RecvCK = append([]byte(nil), st.RecvCK...)
	out.Skipped = make(map[string][]byte, len(st.Skipped))
	for k, v := range st.Skipped {
		out.Skipped[k] = append([]byte(nil), v...)
	}
	return out
}
