package sealed_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mantle/internal/domain"
	"mantle/internal/store/filestore"
	"mantle/internal/store/sealed"
)

const passphrase = "correct horse battery staple"

func openStore(t *testing.T, path string) *sealed.Store {
	t.Helper()
	backend, err := filestore.Open(path)
	require.NoError(t, err)
	st, err := sealed.Open(context.Background(), backend, passphrase)
	require.NoError(t, err)
	return st
}

func TestRoundTripAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	st := openStore(t, path)

	acct := domain.Account{
		UserID:      "@pat:example.org",
		DeviceID:    "PHONE",
		IdentityPub: domain.X25519Public{1},
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, st.SaveAccount(ctx, acct))
	require.NoError(t, st.SaveDevices(ctx, []domain.Device{
		{UserID: "@pat:example.org", DeviceID: "LAPTOP", IdentityKey: domain.X25519Public{2}, Trust: domain.TrustVerified},
	}))
	require.NoError(t, st.SaveInboundGroupSession(ctx, domain.InboundGroupSession{
		ID: "s1", RoomID: "!room:example.org", State: domain.InboundGroupState{ChainKey: make([]byte, 32)},
	}))
	require.NoError(t, st.RememberCiphertext(ctx, "s1", []byte{0xaa, 0xbb}))
	st.Close()

	st = openStore(t, path)
	got, ok, err := st.Account(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, acct, got)

	d, ok, err := st.Device(ctx, "@pat:example.org", "LAPTOP")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.TrustVerified, d.Trust)

	sessions, err := st.InboundGroupSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	seen, err := st.SeenCiphertext(ctx, "s1", []byte{0xaa, 0xbb})
	require.NoError(t, err)
	require.True(t, seen)
	seen, err = st.SeenCiphertext(ctx, "s1", []byte{0xaa, 0xbc})
	require.NoError(t, err)
	require.False(t, seen)
}

func TestWrongPassphraseRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	st := openStore(t, path)
	require.NoError(t, st.SaveAccount(context.Background(), domain.Account{UserID: "@pat:example.org"}))
	st.Close()

	backend, err := filestore.Open(path)
	require.NoError(t, err)
	_, err = sealed.Open(context.Background(), backend, "not the passphrase")
	require.ErrorIs(t, err, sealed.ErrWrongPassphrase)
}

func TestNothingPlaintextOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	st := openStore(t, path)
	require.NoError(t, st.SaveAccount(ctx, domain.Account{UserID: "@pat:example.org", DeviceID: "PHONE"}))
	require.NoError(t, st.SaveDevices(ctx, []domain.Device{{UserID: "@alice:example.org", DeviceID: "A1"}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "@pat:example.org")
	require.NotContains(t, string(raw), "@alice:example.org")
	require.NotContains(t, string(raw), "PHONE")
}

func TestPairwiseBucketReplacesById(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	st := openStore(t, path)

	remote := domain.X25519Public{7}
	first := domain.PairwiseSession{ID: "a", RemoteIdentityKey: remote, LastUsedAt: time.Unix(1, 0).UTC()}
	require.NoError(t, st.SavePairwiseSession(ctx, first))
	require.NoError(t, st.SavePairwiseSession(ctx, domain.PairwiseSession{ID: "b", RemoteIdentityKey: remote}))

	first.LastUsedAt = time.Unix(2, 0).UTC()
	require.NoError(t, st.SavePairwiseSession(ctx, first))

	bucket, err := st.PairwiseSessions(ctx, remote)
	require.NoError(t, err)
	require.Len(t, bucket, 2)
	for _, sess := range bucket {
		if sess.ID == "a" {
			require.Equal(t, time.Unix(2, 0).UTC(), sess.LastUsedAt)
		}
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	st := openStore(t, path)

	require.NoError(t, st.SaveKeyRequest(ctx, domain.KeyRequest{ID: "r1", RoomID: "!r", SessionID: "s1"}))

	boom := os.ErrClosed
	err := st.Transaction(ctx, func(tx domain.Store) error {
		require.NoError(t, tx.DeleteKeyRequest(ctx, "!r", "s1"))
		require.NoError(t, tx.SaveBackupKey(ctx, domain.BackupKey{Version: "v1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := st.KeyRequest(ctx, "!r", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = st.BackupKey(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// And commits apply everything at once.
	require.NoError(t, st.Transaction(ctx, func(tx domain.Store) error {
		if err := tx.DeleteKeyRequest(ctx, "!r", "s1"); err != nil {
			return err
		}
		return tx.SaveBackupKey(ctx, domain.BackupKey{Version: "v1"})
	}))
	_, ok, err = st.KeyRequest(ctx, "!r", "s1")
	require.NoError(t, err)
	require.False(t, ok)
	key, ok, err := st.BackupKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", key.Version)
}

func TestDeleteDeviceAndFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ctx := context.Background()
	st := openStore(t, path)

	require.NoError(t, st.SaveDevices(ctx, []domain.Device{{UserID: "@pat:example.org", DeviceID: "TABLET"}}))
	require.NoError(t, st.DeleteDevice(ctx, "@pat:example.org", "TABLET"))
	_, ok, err := st.Device(ctx, "@pat:example.org", "TABLET")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SaveFlow(ctx, domain.VerificationFlow{ID: "f1"}))
	require.NoError(t, st.DeleteFlow(ctx, "f1"))
	flows, err := st.Flows(ctx)
	require.NoError(t, err)
	require.Empty(t, flows)
}
