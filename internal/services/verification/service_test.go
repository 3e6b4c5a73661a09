package verification_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/services/trust"
	"mantle/internal/services/verification"
	"mantle/internal/store/memstore"
)

type vparty struct {
	store  *memstore.Store
	trust  *trust.Service
	verif  *verification.Service
	acct   domain.Account
	clock  *clock.Mock
	device domain.Device
}

func newVParty(t *testing.T, user domain.UserID, device domain.DeviceID) *vparty {
	t.Helper()
	st := memstore.New()
	clk := clock.NewMock()
	tr := trust.New(st, clk, nil)

	_, idPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	signPriv, signPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)

	return &vparty{
		store: st,
		trust: tr,
		verif: verification.New(st, tr, clk, verification.Config{}, nil),
		acct: domain.Account{
			UserID: user, DeviceID: device,
			IdentityPub: idPub, SigningPriv: signPriv, SigningPub: signPub,
		},
		clock: clk,
		device: domain.Device{
			UserID: user, DeviceID: device,
			IdentityKey: idPub, SigningKey: signPub,
			Trust: domain.TrustUnverified,
		},
	}
}

// introduce gives each party the other's device record, as a device query
// would have.
func introduce(t *testing.T, a, b *vparty) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.store.SaveDevices(ctx, []domain.Device{b.device}))
	require.NoError(t, b.store.SaveDevices(ctx, []domain.Device{a.device}))
}

// mutator may rewrite an event payload in flight; nil passes through.
type mutator func(kind domain.EventKind, raw json.RawMessage) json.RawMessage

// relay delivers every verification message in reqs and keeps routing the
// responses until the exchange goes quiet.
func relay(t *testing.T, parties map[domain.DeviceID]*vparty, reqs []domain.OutgoingRequest, from *vparty, mutate mutator) {
	t.Helper()
	ctx := context.Background()
	type hop struct {
		from *vparty
		req  domain.OutgoingRequest
	}
	queue := make([]hop, 0, len(reqs))
	for _, r := range reqs {
		queue = append(queue, hop{from: from, req: r})
	}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		require.Equal(t, domain.RequestSendToDevice, h.req.Kind)
		for _, perDevice := range h.req.SendToDevice.Messages {
			for deviceID, raw := range perDevice {
				dest, ok := parties[deviceID]
				require.True(t, ok, "no party for device %s", deviceID)
				kind := domain.EventKind(h.req.SendToDevice.EventType)
				if mutate != nil {
					raw = mutate(kind, raw)
				}
				out, err := dest.verif.HandleEvent(ctx, dest.acct, domain.Event{
					Kind:         kind,
					Sender:       h.from.acct.UserID,
					SenderDevice: h.from.acct.DeviceID,
					Payload:      raw,
				})
				require.NoError(t, err)
				for _, r := range out {
					queue = append(queue, hop{from: dest, req: r})
				}
			}
		}
	}
}

func startFlow(t *testing.T, alice, bob *vparty, methods ...domain.VerificationMethod) domain.FlowID {
	t.Helper()
	parties := map[domain.DeviceID]*vparty{alice.acct.DeviceID: alice, bob.acct.DeviceID: bob}
	flow, reqs, err := alice.verif.Start(context.Background(), alice.acct, bob.acct.UserID, bob.acct.DeviceID, methods)
	require.NoError(t, err)
	relay(t, parties, reqs, alice, nil)
	return flow.ID
}

func TestSASFlowEndToEnd(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	parties := map[domain.DeviceID]*vparty{"ALPHA": alice, "BRAVO": bob}
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodSAS)

	reqs, err := bob.verif.Accept(ctx, bob.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, bob, nil)

	aliceFlow, err := alice.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowKeysExchanged, aliceFlow.State)
	bobFlow, err := bob.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowKeysExchanged, bobFlow.State)

	// Two honest parties read the same code off their screens.
	aliceCode, err := alice.verif.Code(ctx, id)
	require.NoError(t, err)
	bobCode, err := bob.verif.Code(ctx, id)
	require.NoError(t, err)
	require.Equal(t, aliceCode, bobCode)
	require.Len(t, aliceCode, 14)

	reqs, err = alice.verif.Confirm(ctx, alice.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, alice, nil)
	reqs, err = bob.verif.Confirm(ctx, bob.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, bob, nil)

	aliceFlow, err = alice.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowDone, aliceFlow.State)
	bobFlow, err = bob.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowDone, bobFlow.State)

	verified, err := alice.trust.IsDeviceVerified(ctx, bob.acct.UserID, bob.acct.DeviceID)
	require.NoError(t, err)
	require.True(t, verified)
	verified, err = bob.trust.IsDeviceVerified(ctx, alice.acct.UserID, alice.acct.DeviceID)
	require.NoError(t, err)
	require.True(t, verified)
}

func TestSASTamperedCommitmentCancels(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	parties := map[domain.DeviceID]*vparty{"ALPHA": alice, "BRAVO": bob}
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodSAS)

	tamper := func(kind domain.EventKind, raw json.RawMessage) json.RawMessage {
		if kind != domain.EventVerificationAccept {
			return raw
		}
		var content domain.VerificationAcceptContent
		require.NoError(t, json.Unmarshal(raw, &content))
		content.Commitment[0] ^= 0xff
		out, err := json.Marshal(content)
		require.NoError(t, err)
		return out
	}
	reqs, err := bob.verif.Accept(ctx, bob.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, bob, tamper)

	flow, err := alice.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCancelled, flow.State)
	require.Equal(t, domain.ReasonMacMismatch, flow.Reason)

	// The cancel reached the other side too.
	flow, err = bob.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCancelled, flow.State)
}

func TestQRFlowEndToEnd(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	parties := map[domain.DeviceID]*vparty{"ALPHA": alice, "BRAVO": bob}
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodQR)

	raw, err := bob.verif.GenerateQR(ctx, bob.acct, id)
	require.NoError(t, err)
	reqs, err := alice.verif.ScanQR(ctx, alice.acct, id, raw)
	require.NoError(t, err)
	relay(t, parties, reqs, alice, nil)

	bobFlow, err := bob.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowKeysExchanged, bobFlow.State)

	reqs, err = alice.verif.Confirm(ctx, alice.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, alice, nil)
	reqs, err = bob.verif.Confirm(ctx, bob.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, bob, nil)

	for _, p := range []*vparty{alice, bob} {
		flow, err := p.verif.Flow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.FlowDone, flow.State)
	}
}

func TestQRKeyMismatchCancelsBeforeMac(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	parties := map[domain.DeviceID]*vparty{"ALPHA": alice, "BRAVO": bob}
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodQR)

	raw, err := bob.verif.GenerateQR(ctx, bob.acct, id)
	require.NoError(t, err)
	// Flip a bit in the displayer's key.
	raw[len("MANTLE")+2+2+len(id)] ^= 0xff

	reqs, err := alice.verif.ScanQR(ctx, alice.acct, id, raw)
	require.NoError(t, err)
	relay(t, parties, reqs, alice, nil)

	flow, err := alice.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCancelled, flow.State)
	require.Equal(t, domain.ReasonKeyMismatch, flow.Reason)

	// No MAC material ever came into being on either side.
	require.Empty(t, flow.SharedSecret)
	verified, err := alice.trust.IsDeviceVerified(ctx, bob.acct.UserID, bob.acct.DeviceID)
	require.NoError(t, err)
	require.False(t, verified)
}

func TestUnexpectedMessageCancels(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodSAS)

	// A key event with no preceding exchange is a protocol surprise.
	payload, err := json.Marshal(domain.VerificationKeyContent{FlowID: id, Key: domain.X25519Public{1}})
	require.NoError(t, err)
	out, err := bob.verif.HandleEvent(ctx, bob.acct, domain.Event{
		Kind:         domain.EventVerificationKey,
		Sender:       alice.acct.UserID,
		SenderDevice: alice.acct.DeviceID,
		Payload:      payload,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	flow, err := bob.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCancelled, flow.State)
	require.Equal(t, domain.ReasonUnexpectedMessage, flow.Reason)
}

func TestSweepExpiredCancelsOverdueFlows(t *testing.T) {
	alice := newVParty(t, "@alice:example.org", "ALPHA")
	bob := newVParty(t, "@bob:example.org", "BRAVO")
	introduce(t, alice, bob)
	parties := map[domain.DeviceID]*vparty{alice.acct.DeviceID: alice, bob.acct.DeviceID: bob}
	ctx := context.Background()

	id := startFlow(t, alice, bob, domain.MethodSAS)

	alice.clock.Add(9 * time.Minute)
	reqs, err := alice.verif.SweepExpired(ctx)
	require.NoError(t, err)
	require.Empty(t, reqs)

	// Late activity keeps the flow moving but does not extend the deadline:
	// the timeout counts from flow creation, not from the last message.
	reqs, err = bob.verif.Accept(ctx, bob.acct, id)
	require.NoError(t, err)
	relay(t, parties, reqs, bob, nil)

	alice.clock.Add(2 * time.Minute)
	reqs, err = alice.verif.SweepExpired(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	flow, err := alice.verif.Flow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FlowCancelled, flow.State)
	require.Equal(t, domain.ReasonTimeout, flow.Reason)

	// A terminal flow never moves again.
	_, err = alice.verif.Confirm(ctx, alice.acct, id)
	require.ErrorIs(t, err, verification.ErrFlowTerminal)
}
