package group

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"mantle/internal/domain"
	"mantle/internal/protocol/groupratchet"
	"mantle/internal/services/session"
)

var (
	// ErrUnknownSession means no inbound session holds keys for the message.
	// Callers typically react by requesting the key from their other devices.
	ErrUnknownSession = errors.New("group: unknown inbound session")
	// ErrReplayDetected means this exact ciphertext was already decrypted once.
	ErrReplayDetected = errors.New("group: ciphertext replayed")
	// ErrNoOutboundSession means Encrypt was called before Ensure for the room.
	ErrNoOutboundSession = errors.New("group: no outbound session for room")
	// ErrSenderMismatch means the event's claimed sender key does not match
	// the key the session was imported under.
	ErrSenderMismatch = errors.New("group: sender key does not match session")
)

const (
	defaultMaxMessages = 100
	defaultMaxAge      = 7 * 24 * time.Hour
)

// Config bounds how long an outbound session stays in use.
type Config struct {
	MaxMessages uint32
	MaxAge      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessages == 0 {
		c.MaxMessages = defaultMaxMessages
	}
	if c.MaxAge == 0 {
		c.MaxAge = defaultMaxAge
	}
	return c
}

// Service owns outbound and inbound group sessions.
type Service struct {
	store    domain.Store
	sessions *session.Service
	clock    clock.Clock
	cfg      Config
}

func New(store domain.Store, sessions *session.Service, clk clock.Clock, cfg Config) *Service {
	return &Service{store: store, sessions: sessions, clock: clk, cfg: cfg.withDefaults()}
}

// Ensure returns the room's live outbound session, rotating first if the
// current one is exhausted, expired, retired, or was shared with a device
// that is no longer an acceptable recipient. The second return reports
// whether a new session was created, meaning its key still needs sharing.
func (s *Service) Ensure(
	ctx context.Context,
	a domain.Account,
	room domain.RoomID,
	devices []domain.Device,
) (domain.OutboundGroupSession, bool, error) {
	sess, ok, err := s.store.OutboundGroupSession(ctx, room)
	if err != nil {
		return domain.OutboundGroupSession{}, false, err
	}
	if ok && !s.needsRotation(sess, devices) {
		return sess, false, nil
	}
	if ok {
		sess.Retired = true
		if err := s.store.SaveOutboundGroupSession(ctx, sess); err != nil {
			return domain.OutboundGroupSession{}, false, err
		}
	}
	fresh, err := s.create(ctx, a, room)
	if err != nil {
		return domain.OutboundGroupSession{}, false, err
	}
	return fresh, true, nil
}

func (s *Service) needsRotation(sess domain.OutboundGroupSession, devices []domain.Device) bool {
	if sess.Retired {
		return true
	}
	if sess.State.MessageIndex >= s.cfg.MaxMessages {
		return true
	}
	if s.clock.Now().Sub(sess.CreatedAt) >= s.cfg.MaxAge {
		return true
	}
	eligible := make(map[string]domain.X25519Public, len(devices))
	for _, d := range devices {
		if d.Blacklisted {
			continue
		}
		eligible[d.Key().String()] = d.IdentityKey
	}
	// A shared-with device disappearing, getting blacklisted, or changing
	// its identity key makes the session stale. New devices do not: they
	// receive the chain at the current index and cannot read backwards.
	for key, identity := range sess.SharedWith {
		current, ok := eligible[key]
		if !ok || current != identity {
			return true
		}
	}
	return false
}

// create makes a fresh outbound session and its own-device inbound twin, so
// our messages stay decryptable and exportable like anyone else's.
func (s *Service) create(ctx context.Context, a domain.Account, room domain.RoomID) (domain.OutboundGroupSession, error) {
	st, err := groupratchet.NewOutbound()
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	now := s.clock.Now()
	sess := domain.OutboundGroupSession{
		ID:         domain.SessionID(uuid.NewString()),
		RoomID:     room,
		State:      st,
		SigningKey: a.SigningPub,
		SharedWith: map[string]domain.X25519Public{},
		CreatedAt:  now,
	}
	inbound := domain.InboundGroupSession{
		ID:         sess.ID,
		RoomID:     room,
		SenderKey:  a.IdentityPub,
		SigningKey: a.SigningPub,
		State:      groupratchet.Inbound(st.ChainKey, 0),
		Provenance: domain.ProvenanceDirect,
		CreatedAt:  now,
	}
	err = s.store.Transaction(ctx, func(tx domain.Store) error {
		if err := tx.SaveOutboundGroupSession(ctx, sess); err != nil {
			return err
		}
		return tx.SaveInboundGroupSession(ctx, inbound)
	})
	if err != nil {
		return domain.OutboundGroupSession{}, err
	}
	return sess, nil
}

// ShareResult is the outcome of distributing an outbound session's key.
type ShareResult struct {
	// Request carries the pairwise-encrypted room-key events, one per newly
	// covered device. Nil when every eligible device already has the key.
	Request *domain.OutgoingRequest
	// Missing lists devices that could not be covered because no pairwise
	// session exists with them yet.
	Missing []domain.Device
}

// Share distributes the room's live session chain key, at the current index,
// to every eligible device not already covered. The updated share snapshot
// persists before the request is handed out.
func (s *Service) Share(
	ctx context.Context,
	a domain.Account,
	room domain.RoomID,
	devices []domain.Device,
) (ShareResult, error) {
	sess, ok, err := s.store.OutboundGroupSession(ctx, room)
	if err != nil {
		return ShareResult{}, err
	}
	if !ok || sess.Retired {
		return ShareResult{}, ErrNoOutboundSession
	}
	content, err := json.Marshal(domain.RoomKeyContent{
		RoomID:     sess.RoomID,
		SessionID:  sess.ID,
		ChainKey:   append([]byte(nil), sess.State.ChainKey...),
		ChainIndex: sess.State.MessageIndex,
		SigningKey: sess.SigningKey,
	})
	if err != nil {
		return ShareResult{}, err
	}
	plaintext, err := json.Marshal(domain.DirectPayload{Kind: domain.EventRoomKey, Payload: content})
	if err != nil {
		return ShareResult{}, err
	}

	var result ShareResult
	messages := map[domain.UserID]map[domain.DeviceID]json.RawMessage{}
	covered := map[string]domain.X25519Public{}
	for _, d := range devices {
		if d.Blacklisted {
			continue
		}
		if d.UserID == a.UserID && d.DeviceID == a.DeviceID {
			continue
		}
		if _, already := sess.SharedWith[d.Key().String()]; already {
			continue
		}
		env, err := s.sessions.Encrypt(ctx, a, d.IdentityKey, plaintext, nil)
		if errors.Is(err, session.ErrNoSession) {
			result.Missing = append(result.Missing, d)
			continue
		}
		if err != nil {
			return ShareResult{}, err
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return ShareResult{}, err
		}
		if messages[d.UserID] == nil {
			messages[d.UserID] = map[domain.DeviceID]json.RawMessage{}
		}
		messages[d.UserID][d.DeviceID] = raw
		covered[d.Key().String()] = d.IdentityKey
	}
	if len(covered) == 0 {
		return result, nil
	}

	for key, identity := range covered {
		sess.SharedWith[key] = identity
	}
	if err := s.store.SaveOutboundGroupSession(ctx, sess); err != nil {
		return ShareResult{}, err
	}

	result.Request = &domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestSendToDevice,
		SendToDevice: &domain.SendToDeviceRequest{
			EventType: string(domain.EventEncryptedDirect),
			Messages:  messages,
		},
	}
	return result, nil
}

// Encrypt seals plaintext with the room's live outbound session and advances
// the chain. The advanced state persists before the message is returned.
func (s *Service) Encrypt(ctx context.Context, a domain.Account, room domain.RoomID, plaintext []byte) (domain.GroupMessage, error) {
	sess, ok, err := s.store.OutboundGroupSession(ctx, room)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	if !ok || sess.Retired {
		return domain.GroupMessage{}, ErrNoOutboundSession
	}
	index, ct, err := groupratchet.EncryptNext(&sess.State, groupAD(room, sess.ID, a.IdentityPub), plaintext)
	if err != nil {
		return domain.GroupMessage{}, err
	}
	if err := s.store.SaveOutboundGroupSession(ctx, sess); err != nil {
		return domain.GroupMessage{}, err
	}
	return domain.GroupMessage{SessionID: sess.ID, Index: index, Cipher: ct}, nil
}

// ImportKey is the material needed to install an inbound session.
type ImportKey struct {
	RoomID     domain.RoomID
	SessionID  domain.SessionID
	SenderKey  domain.X25519Public
	SigningKey domain.Ed25519Public

	ChainKey   []byte
	ChainIndex uint32

	Provenance      domain.SessionProvenance
	ForwardingChain []domain.X25519Public
}

// Import installs an inbound session, or improves an existing one. An import
// only replaces held state when it extends reach backwards (a strictly lower
// first known index); nothing ever raises the first known index, and a
// forwarded copy never displaces directly received material.
func (s *Service) Import(ctx context.Context, k ImportKey) (domain.InboundGroupSession, error) {
	if len(k.ChainKey) != 32 {
		return domain.InboundGroupSession{}, fmt.Errorf("group: chain key must be 32 bytes, got %d", len(k.ChainKey))
	}
	existing, ok, err := s.store.InboundGroupSession(ctx, k.RoomID, k.SessionID)
	if err != nil {
		return domain.InboundGroupSession{}, err
	}
	if ok {
		if existing.SenderKey != k.SenderKey {
			return domain.InboundGroupSession{}, ErrSenderMismatch
		}
		// A direct share replaces a forwarded or restored record when it
		// reaches at least as far back, lifting the provenance trust cap.
		upgrade := k.Provenance == domain.ProvenanceDirect &&
			existing.Provenance != domain.ProvenanceDirect &&
			k.ChainIndex <= existing.State.FirstKnownIndex
		if !upgrade {
			if k.ChainIndex >= existing.State.FirstKnownIndex {
				return existing, nil
			}
			if existing.Provenance == domain.ProvenanceDirect && k.Provenance != domain.ProvenanceDirect {
				return existing, nil
			}
		}
	}
	sess := domain.InboundGroupSession{
		ID:              k.SessionID,
		RoomID:          k.RoomID,
		SenderKey:       k.SenderKey,
		SigningKey:      k.SigningKey,
		State:           groupratchet.Inbound(k.ChainKey, k.ChainIndex),
		Provenance:      k.Provenance,
		ForwardingChain: append([]domain.X25519Public(nil), k.ForwardingChain...),
		CreatedAt:       s.clock.Now(),
	}
	if err := s.store.SaveInboundGroupSession(ctx, sess); err != nil {
		return domain.InboundGroupSession{}, err
	}
	return sess, nil
}

// Decrypt opens a group message from senderKey. Each exact ciphertext
// decrypts at most once; a second attempt is a replay regardless of index.
func (s *Service) Decrypt(
	ctx context.Context,
	room domain.RoomID,
	senderKey domain.X25519Public,
	msg domain.GroupMessage,
) ([]byte, error) {
	sess, ok, err := s.store.InboundGroupSession(ctx, room, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownSession
	}
	if sess.SenderKey != senderKey {
		return nil, ErrSenderMismatch
	}

	digest := sha256.Sum256(msg.Cipher)
	seen, err := s.store.SeenCiphertext(ctx, msg.SessionID, digest[:])
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrReplayDetected
	}

	pt, err := groupratchet.DecryptAt(sess.State, groupAD(room, msg.SessionID, senderKey), msg.Index, msg.Cipher)
	if err != nil {
		return nil, err
	}
	if err := s.store.RememberCiphertext(ctx, msg.SessionID, digest[:]); err != nil {
		return nil, err
	}
	return pt, nil
}

// Export emits an inbound session in export form, with the chain pinned at
// the first known index so the export reveals nothing the holder could not
// already read.
func (s *Service) Export(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.ExportedGroupSession, error) {
	sess, ok, err := s.store.InboundGroupSession(ctx, room, id)
	if err != nil {
		return domain.ExportedGroupSession{}, err
	}
	if !ok {
		return domain.ExportedGroupSession{}, ErrUnknownSession
	}
	return exportSession(sess), nil
}

// ExportAll emits every inbound session, for file export and backup sweeps.
func (s *Service) ExportAll(ctx context.Context) ([]domain.ExportedGroupSession, error) {
	sessions, err := s.store.InboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ExportedGroupSession, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, exportSession(sess))
	}
	return out, nil
}

func exportSession(sess domain.InboundGroupSession) domain.ExportedGroupSession {
	return domain.ExportedGroupSession{
		Algorithm:       domain.GroupAlgorithm,
		RoomID:          sess.RoomID,
		SessionID:       sess.ID,
		SenderKey:       sess.SenderKey,
		SigningKey:      sess.SigningKey,
		ChainKey:        append([]byte(nil), sess.State.ChainKey...),
		ChainIndex:      sess.State.FirstKnownIndex,
		ForwardingChain: append([]domain.X25519Public(nil), sess.ForwardingChain...),
	}
}

func groupAD(room domain.RoomID, id domain.SessionID, sender domain.X25519Public) []byte {
	return []byte("mantle-group|" + string(room) + "|" + string(id) + "|" + sender.Base64())
}
