package session_test

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"mantle/internal/domain"
	"mantle/internal/services/account"
	"mantle/internal/services/session"
	"mantle/internal/store/memstore"
)

type party struct {
	store    *memstore.Store
	accounts *account.Service
	sessions *session.Service
	acct     domain.Account
	clock    *clock.Mock
}

func newParty(t *testing.T, user domain.UserID, device domain.DeviceID) *party {
	t.Helper()
	st := memstore.New()
	clk := clock.NewMock()
	accounts := account.New(st, clk, account.Config{})
	a, err := accounts.Generate(context.Background(), user, device)
	require.NoError(t, err)
	return &party{
		store:    st,
		accounts: accounts,
		sessions: session.New(st, accounts, clk),
		acct:     a,
		clock:    clk,
	}
}

// claimKey simulates the transport claiming a one-time key from the remote
// party's published pool.
func claimKey(t *testing.T, remote *party) (string, domain.X25519Public) {
	t.Helper()
	ctx := context.Background()
	_, err := remote.accounts.GenerateOneTimeKeys(ctx, 1)
	require.NoError(t, err)
	a, err := remote.accounts.Load(ctx)
	require.NoError(t, err)
	for id, pair := range a.OneTimeKeys {
		return id, pair.Pub
	}
	t.Fatal("no one-time key generated")
	return "", domain.X25519Public{}
}

// established returns alice and bob with an initiator session on alice's side.
func established(t *testing.T) (alice, bob *party, prekey domain.PreKeyMessage) {
	t.Helper()
	alice = newParty(t, "@alice:example.org", "ALPHA")
	bob = newParty(t, "@bob:example.org", "BRAVO")

	keyID, key := claimKey(t, bob)
	_, pk, err := alice.sessions.CreateOutbound(
		context.Background(), alice.acct,
		bob.acct.UserID, bob.acct.DeviceID, bob.acct.IdentityPub,
		keyID, key)
	require.NoError(t, err)
	return alice, bob, pk
}

func TestFirstMessageBootstrapsResponder(t *testing.T) {
	alice, bob, prekey := established(t)
	ctx := context.Background()

	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("hello bob"), &prekey)
	require.NoError(t, err)

	pt, err := bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))

	// Bob replies over the established session, no prekey needed.
	reply, err := bob.sessions.Encrypt(ctx, bob.acct, alice.acct.IdentityPub, []byte("hello alice"), nil)
	require.NoError(t, err)
	pt, err = alice.sessions.Decrypt(ctx, alice.acct, bob.acct.UserID, bob.acct.DeviceID, reply)
	require.NoError(t, err)
	require.Equal(t, "hello alice", string(pt))
}

func TestOneTimeKeyConsumedOnBootstrap(t *testing.T) {
	alice, bob, prekey := established(t)
	ctx := context.Background()

	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("one"), &prekey)
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)

	count, err := bob.accounts.OneTimeKeyCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestFallbackBootstrapRefusesReplay(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA")
	bob := newParty(t, "@bob:example.org", "BRAVO")
	ctx := context.Background()

	// Bob's one-time pool is empty; alice bootstraps from the fallback key,
	// which survives consumption.
	require.NoError(t, bob.accounts.EnsureFallbackKey(ctx, false))
	bobAcct, err := bob.accounts.Load(ctx)
	require.NoError(t, err)

	_, prekey, err := alice.sessions.CreateOutbound(ctx, alice.acct,
		bob.acct.UserID, bob.acct.DeviceID, bob.acct.IdentityPub,
		bobAcct.Fallback.ID, bobAcct.Fallback.Pub)
	require.NoError(t, err)

	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("hello"), &prekey)
	require.NoError(t, err)
	pt, err := bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	// A replayed first envelope must not re-bootstrap and decrypt again.
	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.ErrorIs(t, err, session.ErrUndecryptable)

	held, err := bob.store.PairwiseSessions(ctx, alice.acct.IdentityPub)
	require.NoError(t, err)
	require.Len(t, held, 1)
}

func TestEncryptTwiceNeverRepeats(t *testing.T) {
	alice, bob, prekey := established(t)
	ctx := context.Background()

	env1, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("same"), &prekey)
	require.NoError(t, err)
	env2, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("same"), nil)
	require.NoError(t, err)

	require.NotEqual(t, env1.Cipher, env2.Cipher)
}

func TestEncryptWithoutSessionFails(t *testing.T) {
	alice := newParty(t, "@alice:example.org", "ALPHA")
	bob := newParty(t, "@bob:example.org", "BRAVO")

	_, err := alice.sessions.Encrypt(context.Background(), alice.acct, bob.acct.IdentityPub, []byte("x"), nil)
	require.ErrorIs(t, err, session.ErrNoSession)
}

func TestCorruptedEnvelopeIsUndecryptable(t *testing.T) {
	alice, bob, prekey := established(t)
	ctx := context.Background()

	// Establish bob's side first with a clean message.
	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("clean"), &prekey)
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)

	bad, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("tampered"), nil)
	require.NoError(t, err)
	bad.Cipher[0] ^= 0xff

	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, bad)
	require.ErrorIs(t, err, session.ErrUndecryptable)
}

func TestFailedDecryptDoesNotDesyncSession(t *testing.T) {
	alice, bob, prekey := established(t)
	ctx := context.Background()

	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("first"), &prekey)
	require.NoError(t, err)
	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)

	second, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("second"), nil)
	require.NoError(t, err)

	corrupted := second
	corrupted.Cipher = append([]byte(nil), second.Cipher...)
	corrupted.Cipher[0] ^= 0xff
	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, corrupted)
	require.ErrorIs(t, err, session.ErrUndecryptable)

	// The intact copy must still decrypt: the failed trial ran on a copy.
	pt, err := bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, second)
	require.NoError(t, err)
	require.Equal(t, "second", string(pt))
}

func TestPendingPreKeyRidesUntilReply(t *testing.T) {
	alice, bob, _ := established(t)
	ctx := context.Background()

	// The stored session carries the prekey, so callers need not thread it.
	env, err := alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("first"), nil)
	require.NoError(t, err)
	require.NotNil(t, env.PreKey)

	_, err = bob.sessions.Decrypt(ctx, bob.acct, alice.acct.UserID, alice.acct.DeviceID, env)
	require.NoError(t, err)

	reply, err := bob.sessions.Encrypt(ctx, bob.acct, alice.acct.IdentityPub, []byte("ack"), nil)
	require.NoError(t, err)
	_, err = alice.sessions.Decrypt(ctx, alice.acct, bob.acct.UserID, bob.acct.DeviceID, reply)
	require.NoError(t, err)

	// Once the peer has spoken over the session the prekey stops riding.
	env, err = alice.sessions.Encrypt(ctx, alice.acct, bob.acct.IdentityPub, []byte("second"), nil)
	require.NoError(t, err)
	require.Nil(t, env.PreKey)
}

func TestUnknownSenderWithoutPrekeyMismatch(t *testing.T) {
	bob := newParty(t, "@bob:example.org", "BRAVO")

	env := domain.PairwiseEnvelope{
		SenderKey: domain.X25519Public{1, 2, 3},
		Header:    domain.RatchetHeader{DHPub: make([]byte, 32)},
		Cipher:    []byte("garbage"),
	}
	_, err := bob.sessions.Decrypt(context.Background(), bob.acct, "@mallory:example.org", "MIKE", env)
	require.ErrorIs(t, err, session.ErrSessionMismatch)
}
