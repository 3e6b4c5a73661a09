package sas_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/protocol/sas"
)

func TestBothSidesDeriveSameCode(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	aSecret, err := sas.SharedSecret(aPriv, bPub)
	require.NoError(t, err)
	bSecret, err := sas.SharedSecret(bPriv, aPub)
	require.NoError(t, err)

	info := sas.TranscriptInfo(aPub, bPub, "flow-1")
	aCode, err := sas.Code(aSecret, info)
	require.NoError(t, err)
	bCode, err := sas.Code(bSecret, info)
	require.NoError(t, err)

	require.Equal(t, aCode, bCode)
	require.Regexp(t, `^\d{4}-\d{4}-\d{4}$`, aCode)
}

func TestDifferentFlowDifferentCode(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	secret, err := sas.SharedSecret(aPriv, bPub)
	require.NoError(t, err)

	c1, err := sas.Code(secret, sas.TranscriptInfo(aPub, bPub, "flow-1"))
	require.NoError(t, err)
	c2, err := sas.Code(secret, sas.TranscriptInfo(aPub, bPub, "flow-2"))
	require.NoError(t, err)

	require.NotEqual(t, c1, c2)
}

func TestCommitmentBindsKeyAndPayload(t *testing.T) {
	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, otherPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	payload := []byte(`{"flow_id":"f","method":"sas"}`)
	c := sas.Commitment(pub, payload)

	require.True(t, sas.CommitmentMatches(c, pub, payload))
	require.False(t, sas.CommitmentMatches(c, otherPub, payload))
	require.False(t, sas.CommitmentMatches(c, pub, []byte("tampered")))
}

func TestMACRoundTrip(t *testing.T) {
	secret := []byte("shared secret from ecdh....32byte")
	info := "info"
	key := []byte("device signing key bytes")

	mac, err := sas.MAC(secret, info, "ed25519:DEV", key)
	require.NoError(t, err)

	require.True(t, sas.MACMatches(secret, info, "ed25519:DEV", key, mac))
	require.False(t, sas.MACMatches(secret, info, "ed25519:OTHER", key, mac))
	require.False(t, sas.MACMatches([]byte("different secret..............."), info, "ed25519:DEV", key, mac))
}

func TestEmojiIndicesInRange(t *testing.T) {
	idx, err := sas.EmojiIndices([]byte("secret"), "info")
	require.NoError(t, err)
	require.Len(t, idx, 7)
	for _, i := range idx {
		require.GreaterOrEqual(t, i, 0)
		require.Less(t, i, 64)
	}
}

func TestTranscriptOrderMatters(t *testing.T) {
	_, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	_, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	require.NotEqual(t,
		sas.TranscriptInfo(aPub, bPub, domain.FlowID("f")),
		sas.TranscriptInfo(bPub, aPub, domain.FlowID("f")))
}
