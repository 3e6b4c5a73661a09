package verification

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/protocol/qr"
	"mantle/internal/protocol/sas"
	"mantle/internal/services/trust"
)

var (
	// ErrUnknownFlow means no flow exists under the id.
	ErrUnknownFlow = errors.New("verification: unknown flow")
	// ErrFlowTerminal means the flow already finished and cannot move.
	ErrFlowTerminal = errors.New("verification: flow is terminal")
	// ErrBadFlowState means the operation does not apply in the flow's
	// current state.
	ErrBadFlowState = errors.New("verification: operation invalid in current state")
)

const defaultTimeout = 10 * time.Minute

// Config bounds how long a flow may sit idle before it times out.
type Config struct {
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Service drives verification flows and records their outcomes.
type Service struct {
	store domain.Store
	trust *trust.Service
	clock clock.Clock
	cfg   Config
	log   *zap.Logger
}

func New(store domain.Store, trustSvc *trust.Service, clk clock.Clock, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, trust: trustSvc, clock: clk, cfg: cfg.withDefaults(), log: log}
}

// Start opens a flow towards another device and emits the request event.
func (s *Service) Start(
	ctx context.Context,
	a domain.Account,
	otherUser domain.UserID,
	otherDevice domain.DeviceID,
	methods []domain.VerificationMethod,
) (domain.VerificationFlow, []domain.OutgoingRequest, error) {
	now := s.clock.Now()
	flow := domain.VerificationFlow{
		ID:           domain.FlowID(uuid.NewString()),
		OtherUser:    otherUser,
		OtherDevice:  otherDevice,
		WeStarted:    true,
		State:        domain.FlowRequested,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return domain.VerificationFlow{}, nil, err
	}
	req, err := toDevice(otherUser, otherDevice, domain.EventVerificationRequest, domain.VerificationRequestContent{
		FlowID:     flow.ID,
		FromDevice: a.DeviceID,
		Methods:    methods,
	})
	if err != nil {
		return domain.VerificationFlow{}, nil, err
	}
	return flow, []domain.OutgoingRequest{req}, nil
}

// Accept is the receiving user agreeing to verify. Emits the ready event.
func (s *Service) Accept(ctx context.Context, a domain.Account, id domain.FlowID) ([]domain.OutgoingRequest, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.WeStarted || flow.State != domain.FlowRequested {
		return nil, ErrBadFlowState
	}
	flow.State = domain.FlowReady
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationReady, domain.VerificationReadyContent{
		FlowID:     flow.ID,
		FromDevice: a.DeviceID,
		Methods:    []domain.VerificationMethod{domain.MethodSAS, domain.MethodQR},
	})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// Cancel ends a flow at the user's request and notifies the other side.
func (s *Service) Cancel(ctx context.Context, id domain.FlowID) ([]domain.OutgoingRequest, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cancelBoth(ctx, &flow, domain.ReasonUser)
}

// Code returns the short authentication string for a flow whose keys have
// been exchanged. Both sides derive the same string from the shared secret.
func (s *Service) Code(ctx context.Context, id domain.FlowID) (string, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return "", err
	}
	if flow.Method != domain.MethodSAS || flow.State != domain.FlowKeysExchanged {
		return "", ErrBadFlowState
	}
	return sas.Code(flow.SharedSecret, s.macInfo(flow))
}

// EmojiIndices is the emoji rendering of the same code material.
func (s *Service) EmojiIndices(ctx context.Context, id domain.FlowID) ([]int, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.Method != domain.MethodSAS || flow.State != domain.FlowKeysExchanged {
		return nil, ErrBadFlowState
	}
	return sas.EmojiIndices(flow.SharedSecret, s.macInfo(flow))
}

// Confirm is the user asserting the codes match. Emits our transcript MACs,
// and completes the flow if the other side already sent theirs.
func (s *Service) Confirm(ctx context.Context, a domain.Account, id domain.FlowID) ([]domain.OutgoingRequest, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.State != domain.FlowKeysExchanged || flow.WeSentMac {
		return nil, ErrBadFlowState
	}

	info := s.macInfo(flow)
	keyID := "ed25519:" + string(a.DeviceID)
	mac, err := sas.MAC(flow.SharedSecret, info, keyID, a.SigningPub.Slice())
	if err != nil {
		return nil, err
	}
	keysMac, err := sas.KeyListMAC(flow.SharedSecret, info, keyID)
	if err != nil {
		return nil, err
	}
	flow.WeSentMac = true
	flow.LastActivity = s.clock.Now()

	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationMac, domain.VerificationMacContent{
		FlowID:  flow.ID,
		Macs:    map[string][]byte{keyID: mac},
		KeysMac: keysMac,
	})
	if err != nil {
		return nil, err
	}
	out := []domain.OutgoingRequest{req}

	if flow.TheySentMac {
		done, err := s.complete(ctx, &flow)
		if err != nil {
			return nil, err
		}
		return append(out, done...), nil
	}
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	return out, nil
}

// GenerateQR produces the binary payload for this side to display. The
// secret it embeds becomes the flow's shared secret.
func (s *Service) GenerateQR(ctx context.Context, a domain.Account, id domain.FlowID) ([]byte, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.State != domain.FlowReady && flow.State != domain.FlowRequested {
		return nil, ErrBadFlowState
	}
	other, ok, err := s.store.Device(ctx, flow.OtherUser, flow.OtherDevice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, trust.ErrUnknownDevice
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	mode := qr.ModeCrossSigning
	if flow.OtherUser == a.UserID {
		mode = qr.ModeSelfTrusted
	}
	raw, err := qr.Payload{
		Mode:      mode,
		FlowID:    flow.ID,
		FirstKey:  a.SigningPub,
		SecondKey: other.SigningKey,
		Secret:    secret,
	}.Encode()
	if err != nil {
		return nil, err
	}

	flow.Method = domain.MethodQR
	flow.SharedSecret = secret
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	return raw, nil
}

// ScanQR ingests a scanned payload. Any key disagreement cancels the flow on
// the spot; a clean scan adopts the secret and reciprocates, skipping
// straight to the MAC exchange.
func (s *Service) ScanQR(ctx context.Context, a domain.Account, id domain.FlowID, raw []byte) ([]domain.OutgoingRequest, error) {
	flow, err := s.activeFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.State != domain.FlowReady && flow.State != domain.FlowRequested {
		return nil, ErrBadFlowState
	}
	payload, err := qr.Decode(raw)
	if err != nil {
		return nil, err
	}
	other, ok, err := s.store.Device(ctx, flow.OtherUser, flow.OtherDevice)
	if err != nil {
		return nil, err
	}
	if payload.FlowID != flow.ID || !ok ||
		payload.FirstKey != other.SigningKey || payload.SecondKey != a.SigningPub {
		return s.cancelBoth(ctx, &flow, domain.ReasonKeyMismatch)
	}

	flow.Method = domain.MethodQR
	flow.SharedSecret = append([]byte(nil), payload.Secret...)
	flow.State = domain.FlowKeysExchanged
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationStart, domain.VerificationStartContent{
		FlowID:     flow.ID,
		FromDevice: a.DeviceID,
		Method:     domain.MethodQR,
		Secret:     flow.SharedSecret,
	})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// HandleEvent advances a flow with one inbound verification event. A
// surprise event in the wrong state cancels the flow with
// ReasonUnexpectedMessage rather than guessing.
func (s *Service) HandleEvent(ctx context.Context, a domain.Account, ev domain.Event) ([]domain.OutgoingRequest, error) {
	switch ev.Kind {
	case domain.EventVerificationRequest:
		return s.handleRequest(ctx, ev)
	}

	id, err := flowIDOf(ev)
	if err != nil {
		s.log.Debug("ignoring verification event without flow id", zap.String("kind", string(ev.Kind)))
		return nil, nil
	}
	flow, ok, err := s.store.Flow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Debug("ignoring event for unknown flow", zap.String("flow", string(id)))
		return nil, nil
	}
	if flow.State.Terminal() {
		s.log.Debug("ignoring event for terminal flow", zap.String("flow", string(id)))
		return nil, nil
	}
	if s.expired(flow) {
		return s.cancelBoth(ctx, &flow, domain.ReasonTimeout)
	}

	switch ev.Kind {
	case domain.EventVerificationReady:
		return s.handleReady(ctx, a, &flow)
	case domain.EventVerificationStart:
		return s.handleStart(ctx, &flow, ev)
	case domain.EventVerificationAccept:
		return s.handleAccept(ctx, &flow, ev)
	case domain.EventVerificationKey:
		return s.handleKey(ctx, &flow, ev)
	case domain.EventVerificationMac:
		return s.handleMac(ctx, &flow, ev)
	case domain.EventVerificationDone:
		return s.handleDone(ctx, &flow)
	case domain.EventVerificationCancel:
		return nil, s.handleCancel(ctx, &flow, ev)
	default:
		return s.cancelBoth(ctx, &flow, domain.ReasonUnexpectedMessage)
	}
}

func (s *Service) handleRequest(ctx context.Context, ev domain.Event) ([]domain.OutgoingRequest, error) {
	var content domain.VerificationRequestContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		return nil, nil
	}
	if _, ok, err := s.store.Flow(ctx, content.FlowID); err != nil {
		return nil, err
	} else if ok {
		return nil, nil
	}
	now := s.clock.Now()
	flow := domain.VerificationFlow{
		ID:           content.FlowID,
		OtherUser:    ev.Sender,
		OtherDevice:  content.FromDevice,
		WeStarted:    false,
		State:        domain.FlowRequested,
		StartedAt:    now,
		LastActivity: now,
	}
	return nil, s.store.SaveFlow(ctx, flow)
}

// handleReady runs on the requesting side and opens the SAS exchange: we
// generate our ephemeral pair and send the start payload the counterpart
// will commit against.
func (s *Service) handleReady(ctx context.Context, a domain.Account, flow *domain.VerificationFlow) ([]domain.OutgoingRequest, error) {
	if !flow.WeStarted || flow.State != domain.FlowRequested {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	startPayload, err := json.Marshal(domain.VerificationStartContent{
		FlowID:     flow.ID,
		FromDevice: a.DeviceID,
		Method:     domain.MethodSAS,
	})
	if err != nil {
		return nil, err
	}

	flow.Method = domain.MethodSAS
	flow.OurEphemeralPriv = priv
	flow.OurEphemeralPub = pub
	flow.StartPayload = startPayload
	flow.State = domain.FlowReady
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, *flow); err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{rawToDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationStart, startPayload)}, nil
}

// handleStart runs on the accepting side. For SAS we commit to our ephemeral
// key against the exact start bytes before anything is revealed; for QR this
// is the reciprocation carrying the secret back to the displayer.
func (s *Service) handleStart(ctx context.Context, flow *domain.VerificationFlow, ev domain.Event) ([]domain.OutgoingRequest, error) {
	var content domain.VerificationStartContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}

	if content.Method == domain.MethodQR {
		if flow.Method != domain.MethodQR || len(flow.SharedSecret) == 0 || flow.State == domain.FlowKeysExchanged {
			return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
		}
		if !hmac.Equal(content.Secret, flow.SharedSecret) {
			return s.cancelBoth(ctx, flow, domain.ReasonKeyMismatch)
		}
		flow.State = domain.FlowKeysExchanged
		flow.LastActivity = s.clock.Now()
		return nil, s.store.SaveFlow(ctx, *flow)
	}

	if flow.WeStarted || flow.State != domain.FlowReady {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return nil, err
	}
	flow.Method = domain.MethodSAS
	flow.OurEphemeralPriv = priv
	flow.OurEphemeralPub = pub
	flow.StartPayload = append([]byte(nil), ev.Payload...)
	flow.Commitment = sas.Commitment(pub, flow.StartPayload)
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, *flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationAccept, domain.VerificationAcceptContent{
		FlowID:     flow.ID,
		Commitment: flow.Commitment,
	})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// handleAccept runs on the starting side: the counterpart committed, so our
// key can now be revealed.
func (s *Service) handleAccept(ctx context.Context, flow *domain.VerificationFlow, ev domain.Event) ([]domain.OutgoingRequest, error) {
	var content domain.VerificationAcceptContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	if !flow.WeStarted || flow.State != domain.FlowReady || len(content.Commitment) == 0 {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	flow.TheirCommitment = content.Commitment
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, *flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationKey, domain.VerificationKeyContent{
		FlowID: flow.ID,
		Key:    flow.OurEphemeralPub,
	})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// handleKey is the reveal step. The accepter checks nothing (it committed
// first) and answers with its own key; the starter verifies the commitment
// it was given before accepting the accepter's key.
func (s *Service) handleKey(ctx context.Context, flow *domain.VerificationFlow, ev domain.Event) ([]domain.OutgoingRequest, error) {
	var content domain.VerificationKeyContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	if flow.Method != domain.MethodSAS || flow.State != domain.FlowReady {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}

	if !flow.WeStarted {
		flow.TheirEphemeral = content.Key
		if err := s.finishKeyExchange(flow); err != nil {
			return nil, err
		}
		if err := s.store.SaveFlow(ctx, *flow); err != nil {
			return nil, err
		}
		req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationKey, domain.VerificationKeyContent{
			FlowID: flow.ID,
			Key:    flow.OurEphemeralPub,
		})
		if err != nil {
			return nil, err
		}
		return []domain.OutgoingRequest{req}, nil
	}

	if !sas.CommitmentMatches(flow.TheirCommitment, content.Key, flow.StartPayload) {
		return s.cancelBoth(ctx, flow, domain.ReasonMacMismatch)
	}
	flow.TheirEphemeral = content.Key
	if err := s.finishKeyExchange(flow); err != nil {
		return nil, err
	}
	return nil, s.store.SaveFlow(ctx, *flow)
}

func (s *Service) finishKeyExchange(flow *domain.VerificationFlow) error {
	secret, err := sas.SharedSecret(flow.OurEphemeralPriv, flow.TheirEphemeral)
	if err != nil {
		return err
	}
	flow.SharedSecret = secret
	flow.State = domain.FlowKeysExchanged
	flow.LastActivity = s.clock.Now()
	return nil
}

// handleMac validates the counterpart's transcript MACs against the keys we
// actually hold for their device.
func (s *Service) handleMac(ctx context.Context, flow *domain.VerificationFlow, ev domain.Event) ([]domain.OutgoingRequest, error) {
	var content domain.VerificationMacContent
	if err := json.Unmarshal(ev.Payload, &content); err != nil {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	if flow.State != domain.FlowKeysExchanged || flow.TheySentMac {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}

	other, ok, err := s.store.Device(ctx, flow.OtherUser, flow.OtherDevice)
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.cancelBoth(ctx, flow, domain.ReasonMacMismatch)
	}

	info := s.macInfo(*flow)
	ids := make([]string, 0, len(content.Macs))
	for keyID := range content.Macs {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)
	if !sas.MACMatches(flow.SharedSecret, info, "KEY_IDS", []byte(strings.Join(ids, ",")), content.KeysMac) {
		return s.cancelBoth(ctx, flow, domain.ReasonMacMismatch)
	}
	wantKeyID := "ed25519:" + string(flow.OtherDevice)
	mac, ok := content.Macs[wantKeyID]
	if !ok || !sas.MACMatches(flow.SharedSecret, info, wantKeyID, other.SigningKey.Slice(), mac) {
		return s.cancelBoth(ctx, flow, domain.ReasonMacMismatch)
	}

	flow.TheySentMac = true
	flow.LastActivity = s.clock.Now()
	if flow.WeSentMac {
		return s.complete(ctx, flow)
	}
	return nil, s.store.SaveFlow(ctx, *flow)
}

func (s *Service) handleDone(ctx context.Context, flow *domain.VerificationFlow) ([]domain.OutgoingRequest, error) {
	if flow.State != domain.FlowMacExchanged && flow.State != domain.FlowDone {
		return s.cancelBoth(ctx, flow, domain.ReasonUnexpectedMessage)
	}
	if flow.State == domain.FlowDone {
		return nil, nil
	}
	flow.State = domain.FlowDone
	flow.LastActivity = s.clock.Now()
	return nil, s.store.SaveFlow(ctx, *flow)
}

func (s *Service) handleCancel(ctx context.Context, flow *domain.VerificationFlow, ev domain.Event) error {
	var content domain.VerificationCancelContent
	reason := domain.ReasonUser
	if err := json.Unmarshal(ev.Payload, &content); err == nil && content.Reason != "" {
		reason = content.Reason
	}
	flow.State = domain.FlowCancelled
	flow.Reason = reason
	flow.LastActivity = s.clock.Now()
	return s.store.SaveFlow(ctx, *flow)
}

// complete lands a mutually MAC'd flow: trust gets recorded first, then the
// done event goes out, then the flow is terminal.
func (s *Service) complete(ctx context.Context, flow *domain.VerificationFlow) ([]domain.OutgoingRequest, error) {
	flow.State = domain.FlowMacExchanged
	if err := s.trust.MarkDeviceVerified(ctx, flow.OtherUser, flow.OtherDevice); err != nil {
		return nil, err
	}
	flow.State = domain.FlowDone
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, *flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationDone, domain.VerificationDoneContent{FlowID: flow.ID})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// SweepExpired cancels every non-terminal flow older than the timeout.
func (s *Service) SweepExpired(ctx context.Context) ([]domain.OutgoingRequest, error) {
	flows, err := s.store.Flows(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.OutgoingRequest
	for _, flow := range flows {
		if flow.State.Terminal() || !s.expired(flow) {
			continue
		}
		f := flow
		reqs, err := s.cancelBoth(ctx, &f, domain.ReasonTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

// Flow exposes a flow for inspection.
func (s *Service) Flow(ctx context.Context, id domain.FlowID) (domain.VerificationFlow, error) {
	flow, ok, err := s.store.Flow(ctx, id)
	if err != nil {
		return domain.VerificationFlow{}, err
	}
	if !ok {
		return domain.VerificationFlow{}, ErrUnknownFlow
	}
	return flow, nil
}

func (s *Service) activeFlow(ctx context.Context, id domain.FlowID) (domain.VerificationFlow, error) {
	flow, ok, err := s.store.Flow(ctx, id)
	if err != nil {
		return domain.VerificationFlow{}, err
	}
	if !ok {
		return domain.VerificationFlow{}, ErrUnknownFlow
	}
	if flow.State.Terminal() {
		return domain.VerificationFlow{}, ErrFlowTerminal
	}
	return flow, nil
}

// expired measures from flow creation. A flow that keeps exchanging
// messages without reaching Done still times out.
func (s *Service) expired(flow domain.VerificationFlow) bool {
	return s.clock.Now().Sub(flow.StartedAt) >= s.cfg.Timeout
}

func (s *Service) cancelBoth(ctx context.Context, flow *domain.VerificationFlow, reason domain.CancelReason) ([]domain.OutgoingRequest, error) {
	s.log.Info("cancelling verification flow",
		zap.String("flow", string(flow.ID)), zap.String("reason", string(reason)))
	flow.State = domain.FlowCancelled
	flow.Reason = reason
	flow.LastActivity = s.clock.Now()
	if err := s.store.SaveFlow(ctx, *flow); err != nil {
		return nil, err
	}
	req, err := toDevice(flow.OtherUser, flow.OtherDevice, domain.EventVerificationCancel, domain.VerificationCancelContent{
		FlowID: flow.ID,
		Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return []domain.OutgoingRequest{req}, nil
}

// macInfo is the transcript context both sides bind codes and MACs to.
func (s *Service) macInfo(flow domain.VerificationFlow) string {
	if flow.Method == domain.MethodQR {
		return "mantle-qr|" + string(flow.ID)
	}
	starter, accepter := flow.OurEphemeralPub, flow.TheirEphemeral
	if !flow.WeStarted {
		starter, accepter = flow.TheirEphemeral, flow.OurEphemeralPub
	}
	return sas.TranscriptInfo(starter, accepter, flow.ID)
}

func flowIDOf(ev domain.Event) (domain.FlowID, error) {
	var probe struct {
		FlowID domain.FlowID `json:"flow_id"`
	}
	if err := json.Unmarshal(ev.Payload, &probe); err != nil {
		return "", err
	}
	if probe.FlowID == "" {
		return "", errors.New("verification: missing flow id")
	}
	return probe.FlowID, nil
}

func toDevice(user domain.UserID, device domain.DeviceID, kind domain.EventKind, content any) (domain.OutgoingRequest, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return domain.OutgoingRequest{}, err
	}
	return rawToDevice(user, device, kind, raw), nil
}

func rawToDevice(user domain.UserID, device domain.DeviceID, kind domain.EventKind, raw []byte) domain.OutgoingRequest {
	return domain.OutgoingRequest{
		ID:   domain.RequestID(uuid.NewString()),
		Kind: domain.RequestSendToDevice,
		SendToDevice: &domain.SendToDeviceRequest{
			EventType: string(kind),
			Messages: map[domain.UserID]map[domain.DeviceID]json.RawMessage{
				user: {device: raw},
			},
		},
	}
}
