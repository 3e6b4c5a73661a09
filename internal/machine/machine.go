package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mantle/internal/domain"
	"mantle/internal/services/account"
	"mantle/internal/services/backup"
	"mantle/internal/services/gossip"
	"mantle/internal/services/group"
	"mantle/internal/services/session"
	"mantle/internal/services/trust"
	"mantle/internal/services/verification"
	"mantle/internal/util/syncutil"
)

// ErrUnhandledEvent means the event kind is not one the engine consumes.
var ErrUnhandledEvent = errors.New("machine: unhandled event kind")

// Services collects the engine's service layer. All fields are required.
type Services struct {
	Accounts     *account.Service
	Sessions     *session.Service
	Groups       *group.Service
	Trust        *trust.Service
	Verification *verification.Service
	Gossip       *gossip.Service
	Backup       *backup.Service
}

// Config tunes orchestrator behaviour.
type Config struct {
	// BackupUploadBatch caps sessions per upload-backup-entries request.
	BackupUploadBatch int
	// SecretSink receives secrets our other devices send in answer to a
	// secret request. Nil means delivered secrets are dropped.
	SecretSink func(ctx context.Context, id domain.RequestID, secret []byte) error
}

func (c Config) withDefaults() Config {
	if c.BackupUploadBatch <= 0 {
		c.BackupUploadBatch = 100
	}
	return c
}

// Machine composes the services over one store. Inbound events enter through
// HandleEvent; everything the transport must deliver leaves through
// OutgoingRequests, with MarkRequestSent applying post-delivery effects.
type Machine struct {
	store domain.Store
	svc   Services
	clock clock.Clock
	cfg   Config
	log   *zap.Logger

	// locks serialises mutations per entity (room, pairwise peer, flow) so
	// unrelated entities proceed concurrently while same-session events keep
	// their arrival order.
	locks *syncutil.KeyedMutex

	mu      sync.Mutex
	queue   []domain.OutgoingRequest
	effects map[domain.RequestID]effect
	// pending maps a logical effect key to its outstanding request, so a
	// re-queued request supersedes the unconfirmed one instead of leaking
	// a second effect entry.
	pending map[string]domain.RequestID
}

type effect struct {
	key string
	run func(context.Context) error
}

func New(store domain.Store, svc Services, clk clock.Clock, cfg Config, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		store:   store,
		svc:     svc,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		log:     log,
		locks:   syncutil.NewKeyedMutex(),
		effects: map[domain.RequestID]effect{},
		pending: map[string]domain.RequestID{},
	}
}

// Bootstrap creates the account, fills the prekey pool and prepares the
// fallback key. The publish request surfaces on the next OutgoingRequests.
func (m *Machine) Bootstrap(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.Account, error) {
	unlock := m.locks.Lock("account")
	defer unlock()

	a, err := m.svc.Accounts.Generate(ctx, user, device)
	if err != nil {
		return domain.Account{}, err
	}
	if _, err := m.svc.Accounts.GenerateOneTimeKeys(ctx, account.DefaultConfig().MaxOneTimeKeys); err != nil {
		return domain.Account{}, err
	}
	if err := m.svc.Accounts.EnsureFallbackKey(ctx, false); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// Account returns the local account.
func (m *Machine) Account(ctx context.Context) (domain.Account, error) {
	return m.svc.Accounts.Load(ctx)
}

// Decrypted is the user-visible outcome of an encrypted room event.
type Decrypted struct {
	Plaintext    []byte
	Sender       domain.UserID
	SenderDevice domain.DeviceID
	// Trust is the sender's verification level at decryption time; the
	// caller decides how to render untrusted plaintext.
	Trust domain.TrustState
}

// HandleEvent routes one inbound event to its owning service. Room events
// return the decrypted result; machinery events return nil and queue any
// responses for the transport.
func (m *Machine) HandleEvent(ctx context.Context, ev domain.Event) (*Decrypted, error) {
	switch ev.Kind {
	case domain.EventEncryptedRoom:
		return m.decryptRoomEvent(ctx, ev)
	case domain.EventEncryptedDirect:
		return nil, m.handleDirect(ctx, ev)
	case domain.EventRoomKeyRequest:
		return nil, m.handleKeyRequest(ctx, ev)
	case domain.EventSecretRequest:
		return nil, m.handleSecretRequest(ctx, ev)
	case domain.EventVerificationRequest, domain.EventVerificationReady,
		domain.EventVerificationStart, domain.EventVerificationAccept,
		domain.EventVerificationKey, domain.EventVerificationMac,
		domain.EventVerificationDone, domain.EventVerificationCancel:
		return nil, m.handleVerification(ctx, ev)
	default:
		m.log.Debug("unhandled event kind", zap.String("kind", string(ev.Kind)))
		return nil, ErrUnhandledEvent
	}
}

func (m *Machine) decryptRoomEvent(ctx context.Context, ev domain.Event) (*Decrypted, error) {
	var msg domain.GroupMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return nil, fmt.Errorf("machine: malformed room event payload: %w", err)
	}
	unlock := m.locks.Lock("group|" + string(ev.RoomID) + "|" + string(msg.SessionID))
	defer unlock()

	pt, err := m.svc.Groups.Decrypt(ctx, ev.RoomID, ev.SenderKey, msg)
	if errors.Is(err, group.ErrUnknownSession) {
		if reqErr := m.requestMissingKey(ctx, ev.RoomID, msg.SessionID, ev.SenderKey); reqErr != nil {
			return nil, reqErr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	trustState, err := m.svc.Trust.SenderTrust(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Decrypted{
		Plaintext:    pt,
		Sender:       ev.Sender,
		SenderDevice: ev.SenderDevice,
		Trust:        trustState,
	}, nil
}

// requestMissingKey files a key request towards our verified devices. The
// decrypt failure still propagates; the caller retries once a forward lands.
func (m *Machine) requestMissingKey(ctx context.Context, room domain.RoomID, sess domain.SessionID, senderKey domain.X25519Public) error {
	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	req, err := m.svc.Gossip.RequestKey(ctx, a, room, sess, senderKey)
	if err != nil {
		return err
	}
	if req != nil {
		id := req.ID
		m.enqueueEffect(*req, "key-request|"+string(room)+"|"+string(sess), func(ctx context.Context) error {
			return m.svc.Gossip.MarkSent(ctx, id)
		})
	}
	return nil
}

func (m *Machine) handleDirect(ctx context.Context, ev domain.Event) error {
	var env domain.PairwiseEnvelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return fmt.Errorf("machine: malformed pairwise envelope: %w", err)
	}
	unlock := m.locks.Lock("pair|" + env.SenderKey.Base64())
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	pt, err := m.svc.Sessions.Decrypt(ctx, a, ev.Sender, ev.SenderDevice, env)
	if err != nil {
		return err
	}
	var inner domain.DirectPayload
	if err := json.Unmarshal(pt, &inner); err != nil {
		return fmt.Errorf("machine: malformed direct payload: %w", err)
	}

	switch inner.Kind {
	case domain.EventRoomKey:
		return m.handleRoomKey(ctx, env.SenderKey, inner.Payload)
	case domain.EventForwardedRoomKey:
		return m.handleForwardedRoomKey(ctx, a, ev, inner.Payload)
	case domain.EventSecretSend:
		return m.handleSecretSend(ctx, ev, inner.Payload)
	default:
		m.log.Debug("dropping direct payload of unexpected kind", zap.String("kind", string(inner.Kind)))
		return nil
	}
}

// handleRoomKey installs a directly shared session. The sender key is the
// authenticated pairwise peer, not anything claimed inside the payload.
func (m *Machine) handleRoomKey(ctx context.Context, senderKey domain.X25519Public, payload json.RawMessage) error {
	var content domain.RoomKeyContent
	if err := json.Unmarshal(payload, &content); err != nil {
		return fmt.Errorf("machine: malformed room key: %w", err)
	}
	_, err := m.svc.Groups.Import(ctx, group.ImportKey{
		RoomID:     content.RoomID,
		SessionID:  content.SessionID,
		SenderKey:  senderKey,
		SigningKey: content.SigningKey,
		ChainKey:   content.ChainKey,
		ChainIndex: content.ChainIndex,
		Provenance: domain.ProvenanceDirect,
	})
	return err
}

// handleForwardedRoomKey only accepts forwards we asked for, from one of our
// own verified devices. Anything else is dropped without a reply.
func (m *Machine) handleForwardedRoomKey(ctx context.Context, a domain.Account, ev domain.Event, payload json.RawMessage) error {
	var content domain.ForwardedRoomKeyContent
	if err := json.Unmarshal(payload, &content); err != nil {
		return fmt.Errorf("machine: malformed forwarded room key: %w", err)
	}
	kr, ok, err := m.store.KeyRequest(ctx, content.RoomID, content.SessionID)
	if err != nil {
		return err
	}
	if !ok || kr.Cancelled {
		m.log.Debug("dropping unsolicited forwarded key", zap.String("session", string(content.SessionID)))
		return nil
	}
	if ev.Sender != a.UserID {
		m.log.Debug("dropping forwarded key from foreign user", zap.String("sender", string(ev.Sender)))
		return nil
	}
	verified, err := m.svc.Trust.IsDeviceVerified(ctx, ev.Sender, ev.SenderDevice)
	if errors.Is(err, trust.ErrUnknownDevice) {
		verified = false
	} else if err != nil {
		return err
	}
	if !verified {
		m.log.Debug("dropping forwarded key from unverified device", zap.String("device", string(ev.SenderDevice)))
		return nil
	}

	if _, err := m.svc.Groups.Import(ctx, group.ImportKey{
		RoomID:          content.RoomID,
		SessionID:       content.SessionID,
		SenderKey:       content.SenderKey,
		SigningKey:      content.SigningKey,
		ChainKey:        content.ChainKey,
		ChainIndex:      content.ChainIndex,
		Provenance:      domain.ProvenanceForwarded,
		ForwardingChain: content.ForwardingChain,
	}); err != nil {
		return err
	}

	// The forward fulfilled the request; withdraw it from the other devices.
	cancel, err := m.svc.Gossip.CancelRequest(ctx, a, content.RoomID, content.SessionID)
	if err != nil {
		return err
	}
	if cancel != nil {
		m.enqueue(*cancel)
	}
	return nil
}

func (m *Machine) handleSecretSend(ctx context.Context, ev domain.Event, payload json.RawMessage) error {
	var content domain.SecretSendContent
	if err := json.Unmarshal(payload, &content); err != nil {
		return fmt.Errorf("machine: malformed secret send: %w", err)
	}
	if m.cfg.SecretSink == nil {
		m.log.Debug("no secret sink configured, dropping secret", zap.String("from", string(ev.SenderDevice)))
		return nil
	}
	return m.cfg.SecretSink(ctx, content.RequestID, content.Secret)
}

func (m *Machine) handleKeyRequest(ctx context.Context, ev domain.Event) error {
	unlock := m.locks.Lock("gossip")
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	req, err := m.svc.Gossip.HandleRequest(ctx, a, ev)
	if err != nil {
		return err
	}
	if req != nil {
		m.enqueue(*req)
	}
	return nil
}

func (m *Machine) handleSecretRequest(ctx context.Context, ev domain.Event) error {
	unlock := m.locks.Lock("gossip")
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	req, err := m.svc.Gossip.HandleSecretRequest(ctx, a, ev)
	if err != nil {
		return err
	}
	if req != nil {
		m.enqueue(*req)
	}
	return nil
}

func (m *Machine) handleVerification(ctx context.Context, ev domain.Event) error {
	var ref struct {
		FlowID domain.FlowID `json:"flow_id"`
	}
	if err := json.Unmarshal(ev.Payload, &ref); err != nil {
		return fmt.Errorf("machine: malformed verification payload: %w", err)
	}
	unlock := m.locks.Lock("flow|" + string(ref.FlowID))
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	reqs, err := m.svc.Verification.HandleEvent(ctx, a, ev)
	for _, req := range reqs {
		m.enqueue(req)
	}
	return err
}

// EncryptRoomEvent runs the rotate/share/encrypt pipeline for one room
// message. devices is the room's current device list; members without a
// pairwise session get a claim-keys request queued and receive the session
// key after HandleClaimedKeys establishes sessions with them.
func (m *Machine) EncryptRoomEvent(
	ctx context.Context,
	room domain.RoomID,
	plaintext []byte,
	devices []domain.Device,
) (domain.Event, error) {
	unlock := m.locks.Lock("room|" + string(room))
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	if _, _, err := m.svc.Groups.Ensure(ctx, a, room, devices); err != nil {
		return domain.Event{}, err
	}
	shared, err := m.svc.Groups.Share(ctx, a, room, devices)
	if err != nil {
		return domain.Event{}, err
	}
	if shared.Request != nil {
		m.enqueue(*shared.Request)
	}
	if len(shared.Missing) > 0 {
		m.enqueue(claimKeysRequest(shared.Missing))
	}

	msg, err := m.svc.Groups.Encrypt(ctx, a, room, plaintext)
	if err != nil {
		return domain.Event{}, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		Kind:         domain.EventEncryptedRoom,
		Sender:       a.UserID,
		SenderDevice: a.DeviceID,
		SenderKey:    a.IdentityPub,
		RoomID:       room,
		Payload:      payload,
	}, nil
}

// ClaimedKey is one one-time key the server handed out for a device.
type ClaimedKey struct {
	UserID      domain.UserID
	DeviceID    domain.DeviceID
	IdentityKey domain.X25519Public
	KeyID       string
	Key         domain.X25519Public
}

// HandleClaimedKeys establishes pairwise sessions from a claim-keys
// response. Devices we already share a session with are skipped.
func (m *Machine) HandleClaimedKeys(ctx context.Context, claims []ClaimedKey) error {
	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	for _, c := range claims {
		unlock := m.locks.Lock("pair|" + c.IdentityKey.Base64())
		has, err := m.svc.Sessions.HasSession(ctx, c.IdentityKey)
		if err == nil && !has {
			_, _, err = m.svc.Sessions.CreateOutbound(ctx, a, c.UserID, c.DeviceID, c.IdentityKey, c.KeyID, c.Key)
		}
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// StartVerification opens a flow towards another device; the request event
// is queued for the transport.
func (m *Machine) StartVerification(
	ctx context.Context,
	otherUser domain.UserID,
	otherDevice domain.DeviceID,
	methods []domain.VerificationMethod,
) (domain.VerificationFlow, error) {
	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return domain.VerificationFlow{}, err
	}
	flow, reqs, err := m.svc.Verification.Start(ctx, a, otherUser, otherDevice, methods)
	for _, req := range reqs {
		m.enqueue(req)
	}
	return flow, err
}

// AcceptVerification agrees to a flow the other side requested.
func (m *Machine) AcceptVerification(ctx context.Context, id domain.FlowID) error {
	return m.verificationStep(ctx, id, m.svc.Verification.Accept)
}

// ConfirmVerification is the user asserting the short codes match.
func (m *Machine) ConfirmVerification(ctx context.Context, id domain.FlowID) error {
	return m.verificationStep(ctx, id, m.svc.Verification.Confirm)
}

// CancelVerification ends a flow and notifies the other side.
func (m *Machine) CancelVerification(ctx context.Context, id domain.FlowID) error {
	return m.verificationStep(ctx, id, func(ctx context.Context, _ domain.Account, id domain.FlowID) ([]domain.OutgoingRequest, error) {
		return m.svc.Verification.Cancel(ctx, id)
	})
}

// GenerateQR renders this side's code for an accepted flow.
func (m *Machine) GenerateQR(ctx context.Context, id domain.FlowID) ([]byte, error) {
	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return nil, err
	}
	return m.svc.Verification.GenerateQR(ctx, a, id)
}

// ScanQR feeds a scanned code into a flow.
func (m *Machine) ScanQR(ctx context.Context, id domain.FlowID, raw []byte) error {
	return m.verificationStep(ctx, id, func(ctx context.Context, a domain.Account, id domain.FlowID) ([]domain.OutgoingRequest, error) {
		return m.svc.Verification.ScanQR(ctx, a, id, raw)
	})
}

func (m *Machine) verificationStep(
	ctx context.Context,
	id domain.FlowID,
	step func(context.Context, domain.Account, domain.FlowID) ([]domain.OutgoingRequest, error),
) error {
	unlock := m.locks.Lock("flow|" + string(id))
	defer unlock()

	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	reqs, err := step(ctx, a, id)
	for _, req := range reqs {
		m.enqueue(req)
	}
	return err
}

// RequestSecret asks our verified devices for a named secret. The answer
// arrives as an encrypted direct event and is handed to the SecretSink.
func (m *Machine) RequestSecret(ctx context.Context, name string) error {
	a, err := m.svc.Accounts.Load(ctx)
	if err != nil {
		return err
	}
	req, err := m.svc.Gossip.RequestSecret(ctx, a, name)
	if err != nil {
		return err
	}
	if req != nil {
		m.enqueue(*req)
	}
	return nil
}

// CreateBackupVersion rotates the backup key pair. The private key is
// returned exactly once and never stored; the version upload is queued.
func (m *Machine) CreateBackupVersion(ctx context.Context) (domain.BackupKey, domain.X25519Private, error) {
	key, priv, req, err := m.svc.Backup.CreateVersion(ctx)
	if err != nil {
		return domain.BackupKey{}, domain.X25519Private{}, err
	}
	if req != nil {
		m.enqueue(*req)
	}
	return key, priv, nil
}

// SweepExpired cancels verification flows idle past their timeout. Call it
// periodically; cancellations queue for the transport.
func (m *Machine) SweepExpired(ctx context.Context) error {
	reqs, err := m.svc.Verification.SweepExpired(ctx)
	for _, req := range reqs {
		m.enqueue(req)
	}
	return err
}

// OutgoingRequests drains everything the transport should deliver now: the
// queued responses plus any pending key publish and backup uploads. Each
// request's post-send effect runs when MarkRequestSent confirms delivery.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]domain.OutgoingRequest, error) {
	unlock := m.locks.Lock("account")
	publish, ok, err := m.svc.Accounts.PublishRequest(ctx)
	unlock()
	if err != nil && !errors.Is(err, account.ErrNoAccount) {
		return nil, err
	}
	if err == nil && ok {
		m.enqueueEffect(publish, "publish-keys", m.svc.Accounts.MarkKeysPublished)
	}

	uploads, err := m.svc.Backup.PendingExports(ctx, m.cfg.BackupUploadBatch)
	if err != nil {
		return nil, err
	}
	if uploads != nil {
		entries := uploads.UploadBackupEntries.Entries
		m.enqueueEffect(*uploads, "backup-upload", func(ctx context.Context) error {
			return m.svc.Backup.MarkUploaded(ctx, entries)
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queue
	m.queue = nil
	return out, nil
}

// MarkRequestSent applies a request's post-send effect: publish flags, key
// request sent markers, backup uploaded flags. Unknown ids are no-ops, so
// the transport may confirm liberally.
func (m *Machine) MarkRequestSent(ctx context.Context, id domain.RequestID) error {
	m.mu.Lock()
	e, ok := m.effects[id]
	delete(m.effects, id)
	if ok && m.pending[e.key] == id {
		delete(m.pending, e.key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.run(ctx)
}

func (m *Machine) enqueue(req domain.OutgoingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, req)
}

// enqueueEffect queues req and registers its post-send effect under a
// logical key. An unconfirmed earlier request with the same key is
// superseded; its stale effect entry is dropped.
func (m *Machine) enqueueEffect(req domain.OutgoingRequest, key string, run func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, req)
	if old, ok := m.pending[key]; ok {
		delete(m.effects, old)
	}
	m.pending[key] = req.ID
	m.effects[req.ID] = effect{key: key, run: run}
}

func claimKeysRequest(missing []domain.Device) domain.OutgoingRequest {
	claims := map[domain.UserID]map[domain.DeviceID]string{}
	for _, d := range missing {
		if claims[d.UserID] == nil {
			claims[d.UserID] = map[domain.DeviceID]string{}
		}
		claims[d.UserID][d.DeviceID] = "curve25519"
	}
	return domain.OutgoingRequest{
		ID:        domain.RequestID(uuid.NewString()),
		Kind:      domain.RequestClaimKeys,
		ClaimKeys: &domain.ClaimKeysRequest{OneTimeKeys: claims},
	}
}
