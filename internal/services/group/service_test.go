package group_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"mantle/internal/domain"
	"mantle/internal/protocol/groupratchet"
	"mantle/internal/services/account"
	"mantle/internal/services/group"
	"mantle/internal/services/session"
	"mantle/internal/store/memstore"
)

type party struct {
	store    *memstore.Store
	accounts *account.Service
	sessions *session.Service
	groups   *group.Service
	acct     domain.Account
	clock    *clock.Mock
}

func newParty(t *testing.T, user domain.UserID, device domain.DeviceID, cfg group.Config) *party {
	t.Helper()
	st := memstore.New()
	clk := clock.NewMock()
	accounts := account.New(st, clk, account.Config{})
	sessions := session.New(st, accounts, clk)
	a, err := accounts.Generate(context.Background(), user, device)
	require.NoError(t, err)
	return &party{
		store:    st,
		accounts: accounts,
		sessions: sessions,
		groups:   group.New(st, sessions, clk, cfg),
		acct:     a,
		clock:    clk,
	}
}

func (p *party) device() domain.Device {
	return domain.Device{
		UserID:      p.acct.UserID,
		DeviceID:    p.acct.DeviceID,
		IdentityKey: p.acct.IdentityPub,
		SigningKey:  p.acct.SigningPub,
	}
}

// pair establishes a pairwise session from a to b by claiming one of b's
// one-time keys, the way the transport round would.
func pair(t *testing.T, a, b *party) {
	t.Helper()
	ctx := context.Background()
	_, err := b.accounts.GenerateOneTimeKeys(ctx, 1)
	require.NoError(t, err)
	acct, err := b.accounts.Load(ctx)
	require.NoError(t, err)
	for id, otk := range acct.OneTimeKeys {
		_, _, err := a.sessions.CreateOutbound(ctx, a.acct, b.acct.UserID, b.acct.DeviceID, b.acct.IdentityPub, id, otk.Pub)
		require.NoError(t, err)
		return
	}
	t.Fatal("no one-time key to claim")
}

// deliverShare routes the room-key message for `to` out of a share result:
// pairwise decrypt, unwrap, import.
func deliverShare(t *testing.T, from, to *party, res group.ShareResult) domain.InboundGroupSession {
	t.Helper()
	ctx := context.Background()
	require.NotNil(t, res.Request)
	raw, ok := res.Request.SendToDevice.Messages[to.acct.UserID][to.acct.DeviceID]
	require.True(t, ok, "no message addressed to recipient")

	var env domain.PairwiseEnvelope
	require.NoError(t, json.Unmarshal(raw, &env))
	pt, err := to.sessions.Decrypt(ctx, to.acct, from.acct.UserID, from.acct.DeviceID, env)
	require.NoError(t, err)

	var inner domain.DirectPayload
	require.NoError(t, json.Unmarshal(pt, &inner))
	require.Equal(t, domain.EventRoomKey, inner.Kind)
	var key domain.RoomKeyContent
	require.NoError(t, json.Unmarshal(inner.Payload, &key))

	sess, err := to.groups.Import(ctx, group.ImportKey{
		RoomID:     key.RoomID,
		SessionID:  key.SessionID,
		SenderKey:  env.SenderKey,
		SigningKey: key.SigningKey,
		ChainKey:   key.ChainKey,
		ChainIndex: key.ChainIndex,
		Provenance: domain.ProvenanceDirect,
	})
	require.NoError(t, err)
	return sess
}

const room = domain.RoomID("!lounge:example.org")

func TestShareEncryptDecryptRoundTrip(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, created, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.True(t, created)

	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.Empty(t, res.Missing)
	deliverShare(t, alice, bob, res)

	msg, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("evening all"))
	require.NoError(t, err)
	pt, err := bob.groups.Decrypt(ctx, room, alice.acct.IdentityPub, msg)
	require.NoError(t, err)
	require.Equal(t, "evening all", string(pt))

	// The ratchet advanced: the next message sits at the next index.
	msg2, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("evening all"))
	require.NoError(t, err)
	require.Equal(t, msg.Index+1, msg2.Index)
	require.NotEqual(t, msg.Cipher, msg2.Cipher)
}

func TestDecryptReplayRejected(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	deliverShare(t, alice, bob, res)

	msg, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("once"))
	require.NoError(t, err)

	_, err = bob.groups.Decrypt(ctx, room, alice.acct.IdentityPub, msg)
	require.NoError(t, err)
	_, err = bob.groups.Decrypt(ctx, room, alice.acct.IdentityPub, msg)
	require.ErrorIs(t, err, group.ErrReplayDetected)
}

func TestDecryptUnknownSession(t *testing.T) {
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	_, err := bob.groups.Decrypt(context.Background(), room, domain.X25519Public{1}, domain.GroupMessage{
		SessionID: "nope", Index: 0, Cipher: []byte("x"),
	})
	require.ErrorIs(t, err, group.ErrUnknownSession)
}

func TestDecryptSenderKeyMismatch(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	deliverShare(t, alice, bob, res)

	msg, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("hi"))
	require.NoError(t, err)

	_, err = bob.groups.Decrypt(ctx, room, domain.X25519Public{0xde, 0xad}, msg)
	require.ErrorIs(t, err, group.ErrSenderMismatch)
}

func TestLateJoinerCannotReadHistory(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	carol := newParty(t, "@carol:example.org", "CHARLIE", group.Config{})
	pair(t, alice, bob)
	pair(t, alice, carol)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	deliverShare(t, alice, bob, res)

	early, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("before carol"))
	require.NoError(t, err)

	// Carol joins; sharing hands her the chain at the current index only.
	devices = append(devices, carol.device())
	_, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.False(t, rotated)
	res, err = alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	carolSess := deliverShare(t, alice, carol, res)
	require.Equal(t, early.Index+1, carolSess.State.FirstKnownIndex)

	_, err = carol.groups.Decrypt(ctx, room, alice.acct.IdentityPub, early)
	require.ErrorIs(t, err, groupratchet.ErrIndexTooOld)

	late, err := alice.groups.Encrypt(ctx, alice.acct, room, []byte("after carol"))
	require.NoError(t, err)
	pt, err := carol.groups.Decrypt(ctx, room, alice.acct.IdentityPub, late)
	require.NoError(t, err)
	require.Equal(t, "after carol", string(pt))
}

func TestRotationOnMessageCount(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{MaxMessages: 2})
	ctx := context.Background()

	devices := []domain.Device{alice.device()}
	sess, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)

	_, err = alice.groups.Encrypt(ctx, alice.acct, room, []byte("1"))
	require.NoError(t, err)
	_, err = alice.groups.Encrypt(ctx, alice.acct, room, []byte("2"))
	require.NoError(t, err)

	next, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotEqual(t, sess.ID, next.ID)
	require.Zero(t, next.State.MessageIndex)
}

func TestRotationOnAge(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{MaxAge: time.Hour})
	ctx := context.Background()

	devices := []domain.Device{alice.device()}
	sess, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)

	alice.clock.Add(30 * time.Minute)
	same, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Equal(t, sess.ID, same.ID)

	alice.clock.Add(31 * time.Minute)
	next, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotEqual(t, sess.ID, next.ID)
}

func TestRotationOnBlacklistedRecipient(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	sess, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	_, err = alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)

	badBob := bob.device()
	badBob.Blacklisted = true
	next, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, []domain.Device{alice.device(), badBob})
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotEqual(t, sess.ID, next.ID)

	// The blacklisted device never makes it into the new share.
	res, err := alice.groups.Share(ctx, alice.acct, room, []domain.Device{alice.device(), badBob})
	require.NoError(t, err)
	require.Nil(t, res.Request)
}

func TestRotationOnDeviceRemoval(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	_, err = alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)

	_, rotated, err := alice.groups.Ensure(ctx, alice.acct, room, []domain.Device{alice.device()})
	require.NoError(t, err)
	require.True(t, rotated)
}

func TestShareSkipsCoveredAndReportsMissing(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	carol := newParty(t, "@carol:example.org", "CHARLIE", group.Config{})
	pair(t, alice, bob) // no session with carol
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device(), carol.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)

	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	require.Len(t, res.Missing, 1)
	require.Equal(t, carol.acct.DeviceID, res.Missing[0].DeviceID)

	// A second share has nothing new to send; carol is still missing.
	res, err = alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	require.Nil(t, res.Request)
	require.Len(t, res.Missing, 1)
}

func TestImportOnlyImprovesReachBackwards(t *testing.T) {
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	ctx := context.Background()

	chain := make([]byte, 32)
	for i := range chain {
		chain[i] = byte(i)
	}
	sender := domain.X25519Public{7}
	base := group.ImportKey{
		RoomID: room, SessionID: "s1", SenderKey: sender,
		ChainKey: chain, ChainIndex: 5, Provenance: domain.ProvenanceDirect,
	}
	first, err := bob.groups.Import(ctx, base)
	require.NoError(t, err)
	require.EqualValues(t, 5, first.State.FirstKnownIndex)

	// A later chain position is a no-op.
	later := base
	later.ChainIndex = 9
	kept, err := bob.groups.Import(ctx, later)
	require.NoError(t, err)
	require.EqualValues(t, 5, kept.State.FirstKnownIndex)

	// A forwarded copy never displaces direct material, even if earlier.
	fwd := base
	fwd.ChainIndex = 2
	fwd.Provenance = domain.ProvenanceForwarded
	kept, err = bob.groups.Import(ctx, fwd)
	require.NoError(t, err)
	require.EqualValues(t, 5, kept.State.FirstKnownIndex)
	require.Equal(t, domain.ProvenanceDirect, kept.Provenance)

	// An earlier direct chain improves reach.
	earlier := base
	earlier.ChainIndex = 2
	better, err := bob.groups.Import(ctx, earlier)
	require.NoError(t, err)
	require.EqualValues(t, 2, better.State.FirstKnownIndex)

	// Same session id under a different sender key is rejected.
	imposter := base
	imposter.SenderKey = domain.X25519Public{8}
	_, err = bob.groups.Import(ctx, imposter)
	require.ErrorIs(t, err, group.ErrSenderMismatch)
}

func TestDirectImportLiftsForwardedCap(t *testing.T) {
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	ctx := context.Background()

	chain := make([]byte, 32)
	for i := range chain {
		chain[i] = byte(0x40 + i)
	}
	sender := domain.X25519Public{7}
	fwd := group.ImportKey{
		RoomID: room, SessionID: "s2", SenderKey: sender,
		ChainKey: chain, ChainIndex: 4, Provenance: domain.ProvenanceForwarded,
		ForwardingChain: []domain.X25519Public{{9}},
	}
	held, err := bob.groups.Import(ctx, fwd)
	require.NoError(t, err)
	require.Equal(t, domain.ProvenanceForwarded, held.Provenance)

	// The real sender later shares the same chain position directly; the
	// record sheds the forwarded cap and the forwarding chain.
	direct := fwd
	direct.Provenance = domain.ProvenanceDirect
	direct.ForwardingChain = nil
	lifted, err := bob.groups.Import(ctx, direct)
	require.NoError(t, err)
	require.Equal(t, domain.ProvenanceDirect, lifted.Provenance)
	require.Empty(t, lifted.ForwardingChain)
	require.EqualValues(t, 4, lifted.State.FirstKnownIndex)

	// The upgrade never applies in reverse.
	again, err := bob.groups.Import(ctx, fwd)
	require.NoError(t, err)
	require.Equal(t, domain.ProvenanceDirect, again.Provenance)
}

func TestExportPinsFirstKnownIndex(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA", group.Config{})
	bob := newParty(t, "@bob:example.org", "BRAVO", group.Config{})
	pair(t, alice, bob)
	ctx := context.Background()

	devices := []domain.Device{alice.device(), bob.device()}
	_, _, err := alice.groups.Ensure(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	_, err = alice.groups.Encrypt(ctx, alice.acct, room, []byte("pre-share"))
	require.NoError(t, err)
	res, err := alice.groups.Share(ctx, alice.acct, room, devices)
	require.NoError(t, err)
	bobSess := deliverShare(t, alice, bob, res)

	exp, err := bob.groups.Export(ctx, room, bobSess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.GroupAlgorithm, exp.Algorithm)
	require.EqualValues(t, 1, exp.ChainIndex)
	require.Equal(t, bobSess.State.ChainKey, exp.ChainKey)

	all, err := bob.groups.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}
