package qr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mantle/internal/domain"
	"mantle/internal/protocol/qr"
)

func samplePayload() qr.Payload {
	var k1, k2 domain.Ed25519Public
	for i := range k1 {
		k1[i] = byte(i)
		k2[i] = byte(255 - i)
	}
	return qr.Payload{
		Mode:      qr.ModeCrossSigning,
		FlowID:    "flow-abc",
		FirstKey:  k1,
		SecondKey: k2,
		Secret:    []byte("0123456789abcdef"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePayload()

	raw, err := p.Encode()
	require.NoError(t, err)

	got, err := qr.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	raw, err := samplePayload().Encode()
	require.NoError(t, err)
	raw[0] = 'X'

	_, err = qr.Decode(raw)
	require.ErrorIs(t, err, qr.ErrMalformedPayload)
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	raw, err := samplePayload().Encode()
	require.NoError(t, err)
	raw[6] = 99

	_, err = qr.Decode(raw)
	require.ErrorIs(t, err, qr.ErrMalformedPayload)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw, err := samplePayload().Encode()
	require.NoError(t, err)

	for _, n := range []int{0, 5, 9, len(raw) - 9} {
		_, err = qr.Decode(raw[:n])
		require.ErrorIs(t, err, qr.ErrMalformedPayload, "length %d", n)
	}
}

func TestEncodeRejectsShortSecret(t *testing.T) {
	p := samplePayload()
	p.Secret = []byte("short")

	_, err := p.Encode()
	require.Error(t, err)
}
