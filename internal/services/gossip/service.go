package gossip

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mantle/internal/domain"
	"mantle/internal/services/session"
	"mantle/internal/services/trust"
)

const (
	actionRequest = "request"
	actionCancel  = "cancel"
)

// SecretProvider resolves a named secret for sharing, and whether sharing it
// is allowed at all. The backup recovery key is the canonical example.
type SecretProvider func(ctx context.Context, name string) ([]byte, bool, error)

// Service requests missing keys from our other devices and answers their
// requests in turn.
type Service struct {
	store    domain.Store
	trust    *trust.Service
	sessions *session.Service
	secrets  SecretProvider
	clock    clock.Clock
	log      *zap.Logger
}

func New(store domain.Store, trustSvc *trust.Service, sessions *session.Service, secrets SecretProvider, clk clock.Clock, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if secrets == nil {
		secrets = func(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
	}
	return &Service{store: store, trust: trustSvc, sessions: sessions, secrets: secrets, clock: clk, log: log}
}

// RequestKey asks our verified devices for a session we cannot decrypt. A
// live request for the same (room, session) makes this a no-op; no verified
// devices means there is nobody worth asking.
func (s *Service) RequestKey(
	ctx context.Context,
	a domain.Account,
	room domain.RoomID,
	sessionID domain.SessionID,
	senderKey domain.X25519Public,
) (*domain.OutgoingRequest, error) {
	if existing, ok, err := s.store.KeyRequest(ctx, room, sessionID); err != nil {
		return nil, err
	} else if ok && !existing.Cancelled {
		return nil, nil
	}

	recipients, err := s.trust.OwnVerifiedDevices(ctx, a)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		s.log.Debug("no verified devices to request key from",
			zap.String("room", string(room)), zap.String("session", string(sessionID)))
		return nil, nil
	}

	kr := domain.KeyRequest{
		ID:        domain.RequestID(uuid.NewString()),
		RoomID:    room,
		SessionID: sessionID,
		SenderKey: senderKey,
		CreatedAt: s.clock.Now(),
	}
	for _, d := range recipients {
		kr.Recipients = append(kr.Recipients, d.Key())
	}
	if err := s.store.SaveKeyRequest(ctx, kr); err != nil {
		return nil, err
	}

	content, err := json.Marshal(domain.KeyRequestContent{
		Action:    actionRequest,
		RequestID: kr.ID,
		RoomID:    room,
		SessionID: sessionID,
		SenderKey: senderKey,
		Requester: a.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	req := fanOut(kr.ID, recipients, domain.EventRoomKeyRequest, content)
	return &req, nil
}

// MarkSent flips the sent flag once the transport delivered the request.
func (s *Service) MarkSent(ctx context.Context, id domain.RequestID) error {
	active, err := s.store.ActiveKeyRequests(ctx)
	if err != nil {
		return err
	}
	for _, kr := range active {
		if kr.ID == id {
			kr.Sent = true
			return s.store.SaveKeyRequest(ctx, kr)
		}
	}
	return nil
}

// CancelRequest withdraws the live request for (room, session), typically
// because a forward fulfilled it.
func (s *Service) CancelRequest(ctx context.Context, a domain.Account, room domain.RoomID, sessionID domain.SessionID) (*domain.OutgoingRequest, error) {
	kr, ok, err := s.store.KeyRequest(ctx, room, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok || kr.Cancelled {
		return nil, nil
	}
	if err := s.store.DeleteKeyRequest(ctx, room, sessionID); err != nil {
		return nil, err
	}

	content, err := json.Marshal(domain.KeyRequestContent{
		Action:    actionCancel,
		RequestID: kr.ID,
		Requester: a.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	messages := map[domain.UserID]map[domain.DeviceID]json.RawMessage{}
	for _, r := range kr.Recipients {
		if messages[r.UserID] == nil {
			messages[r.UserID] = map[domain.DeviceID]json.RawMessage{}
		}
		messages[r.UserID][r.DeviceID] = content
	}
	return &domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestSendToDevice,
		SendToDevice: &domain.SendToDeviceRequest{
			EventType: string(domain.EventRoomKeyRequest),
			Messages:  messages,
		},
	}, nil
}

// HandleRequest answers another device's key request, or silently does not.
// Every rejection path looks identical from the outside.
func (s *Service) HandleRequest(ctx context.Context, a domain.Account, ev domain.Event) (*domain.OutgoingRequest, error) {
	var content domain.KeyRequestContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		s.log.Debug("dropping malformed key request")
		return nil, nil
	}
	if content.Action != actionRequest {
		return nil, nil
	}
	requester, allowed, err := s.allowedRequester(ctx, a, ev.Sender, content.Requester)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	sess, ok, err := s.store.InboundGroupSession(ctx, content.RoomID, content.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Debug("key request for session we do not hold",
			zap.String("session", string(content.SessionID)))
		return nil, nil
	}

	forward, err := json.Marshal(domain.ForwardedRoomKeyContent{
		RoomID:          sess.RoomID,
		SessionID:       sess.ID,
		SenderKey:       sess.SenderKey,
		SigningKey:      sess.SigningKey,
		ChainKey:        append([]byte(nil), sess.State.ChainKey...),
		ChainIndex:      sess.State.FirstKnownIndex,
		ForwardingChain: append(append([]domain.X25519Public(nil), sess.ForwardingChain...), a.IdentityPub),
	})
	if err != nil {
		return nil, err
	}
	return s.sendSealed(ctx, a, requester, domain.EventForwardedRoomKey, forward)
}

// RequestSecret asks our verified devices for a named secret.
func (s *Service) RequestSecret(ctx context.Context, a domain.Account, name string) (*domain.OutgoingRequest, error) {
	recipients, err := s.trust.OwnVerifiedDevices(ctx, a)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, nil
	}
	content, err := json.Marshal(domain.SecretRequestContent{
		Action:    actionRequest,
		RequestID: domain.RequestID(uuid.NewString()),
		Name:      name,
		Requester: a.DeviceID,
	})
	if err != nil {
		return nil, err
	}
	req := fanOut(domain.RequestID(uuid.NewString()), recipients, domain.EventSecretRequest, content)
	return &req, nil
}

// HandleSecretRequest shares a secret under the same policy as key requests,
// additionally gated on the provider allowing that particular secret out.
func (s *Service) HandleSecretRequest(ctx context.Context, a domain.Account, ev domain.Event) (*domain.OutgoingRequest, error) {
	var content domain.SecretRequestContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		s.log.Debug("dropping malformed secret request")
		return nil, nil
	}
	if content.Action != actionRequest {
		return nil, nil
	}
	requester, allowed, err := s.allowedRequester(ctx, a, ev.Sender, content.Requester)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	secret, shareable, err := s.secrets(ctx, content.Name)
	if err != nil {
		return nil, err
	}
	if !shareable {
		s.log.Debug("secret not shareable", zap.String("name", content.Name))
		return nil, nil
	}
	answer, err := json.Marshal(domain.SecretSendContent{
		RequestID: content.RequestID,
		Secret:    secret,
	})
	if err != nil {
		return nil, err
	}
	return s.sendSealed(ctx, a, requester, domain.EventSecretSend, answer)
}

// allowedRequester enforces the single gossip policy: the requester must be
// one of our own devices and currently verified, and we must hold its keys.
func (s *Service) allowedRequester(ctx context.Context, a domain.Account, sender domain.UserID, device domain.DeviceID) (domain.Device, bool, error) {
	if sender != a.UserID || device == a.DeviceID {
		s.log.Debug("dropping request from foreign or own device",
			zap.String("sender", string(sender)), zap.String("device", string(device)))
		return domain.Device{}, false, nil
	}
	d, ok, err := s.store.Device(ctx, sender, device)
	if err != nil {
		return domain.Device{}, false, err
	}
	if !ok {
		s.log.Debug("dropping request from unknown device", zap.String("device", string(device)))
		return domain.Device{}, false, nil
	}
	verified, err := s.trust.IsDeviceVerified(ctx, sender, device)
	if err != nil {
		return domain.Device{}, false, err
	}
	if !verified {
		s.log.Debug("dropping request from unverified device", zap.String("device", string(device)))
		return domain.Device{}, false, nil
	}
	return d, true, nil
}

// sendSealed pairwise-encrypts a payload for one device. No session with the
// target means no reply; forwarded material never travels in the clear.
func (s *Service) sendSealed(ctx context.Context, a domain.Account, to domain.Device, kind domain.EventKind, payload []byte) (*domain.OutgoingRequest, error) {
	plaintext, err := json.Marshal(domain.DirectPayload{Kind: kind, Payload: payload})
	if err != nil {
		return nil, err
	}
	env, err := s.sessions.Encrypt(ctx, a, to.IdentityKey, plaintext, nil)
	if errors.Is(err, session.ErrNoSession) {
		s.log.Debug("no pairwise session with requester, dropping reply",
			zap.String("device", string(to.DeviceID)))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return &domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestSendToDevice,
		SendToDevice: &domain.SendToDeviceRequest{
			EventType: string(domain.EventEncryptedDirect),
			Messages: map[domain.UserID]map[domain.DeviceID]json.RawMessage{
				to.UserID: {to.DeviceID: raw},
			},
		},
	}, nil
}

func fanOut(id domain.RequestID, recipients []domain.Device, kind domain.EventKind, content json.RawMessage) domain.OutgoingRequest {
	messages := map[domain.UserID]map[domain.DeviceID]json.RawMessage{}
	for _, d := range recipients {
		if messages[d.UserID] == nil {
			messages[d.UserID] = map[domain.DeviceID]json.RawMessage{}
		}
		messages[d.UserID][d.DeviceID] = content
	}
	return domain.OutgoingRequest{
		ID:   id,
		Kind: domain.RequestSendToDevice,
		SendToDevice: &domain.SendToDeviceRequest{
			EventType: string(kind),
			Messages:  messages,
		},
	}
}
