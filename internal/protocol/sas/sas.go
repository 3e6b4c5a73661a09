// Package sas implements the cryptographic half of interactive verification:
// the ephemeral key agreement, the pre-reveal commitment, the short
// authentication code both humans compare, and the transcript MACs that bind
// the outcome to the device identities.
//
// The ordering that makes this safe: the accepting side commits to its
// ephemeral public key (hashed together with the starter's opening payload)
// before the starter reveals its own key. A man in the middle therefore
// cannot pick keys after seeing both sides.
package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"mantle/internal/crypto"
	"mantle/internal/domain"
)

// Commitment hashes an ephemeral public key together with the canonical
// start payload. Sent by the accepting side before any key is revealed.
func Commitment(ephemeral domain.X25519Public, startPayload []byte) []byte {
	h := sha256.New()
	h.Write(ephemeral[:])
	h.Write(startPayload)
	return h.Sum(nil)
}

// CommitmentMatches verifies a previously received commitment in constant
// time once the key is revealed.
func CommitmentMatches(commitment []byte, ephemeral domain.X25519Public, startPayload []byte) bool {
	want := Commitment(ephemeral, startPayload)
	return subtle.ConstantTimeCompare(commitment, want) == 1
}

// SharedSecret completes the ephemeral ECDH.
func SharedSecret(ourPriv domain.X25519Private, theirPub domain.X25519Public) ([]byte, error) {
	dh, err := crypto.DH(ourPriv, theirPub)
	if err != nil {
		return nil, err
	}
	return dh[:], nil
}

// TranscriptInfo is the canonical context string both sides derive codes and
// MACs against: both ephemeral publics in starter/accepter order plus the
// flow id.
func TranscriptInfo(starterPub, accepterPub domain.X25519Public, flow domain.FlowID) string {
	return "MANTLE_VERIFICATION|" + starterPub.Base64() + "|" + accepterPub.Base64() + "|" + string(flow)
}

// Code derives the human-comparable short authentication string: three
// four-digit groups from five bytes of KDF output (13 bits each, offset to
// stay in 1000..9191).
func Code(secret []byte, info string) (string, error) {
	raw, err := bytesFromKDF(secret, "mantle-sas|code|"+info, 5)
	if err != nil {
		return "", err
	}
	v := uint64(raw[0])<<32 | uint64(raw[1])<<24 | uint64(raw[2])<<16 | uint64(raw[3])<<8 | uint64(raw[4])
	a := (v >> 27) & 0x1fff
	b := (v >> 14) & 0x1fff
	c := (v >> 1) & 0x1fff
	return fmt.Sprintf("%04d-%04d-%04d", a+1000, b+1000, c+1000), nil
}

// MAC authenticates one named key under the transcript-bound MAC key.
// keyID disambiguates which key is covered (for example "ed25519:DEVICE").
func MAC(secret []byte, info, keyID string, key []byte) ([]byte, error) {
	macKey, err := bytesFromKDF(secret, "mantle-sas|mac|"+info+"|"+keyID, 32)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, macKey)
	h.Write(key)
	return h.Sum(nil), nil
}

// MACMatches verifies a MAC in constant time.
func MACMatches(secret []byte, info, keyID string, key, mac []byte) bool {
	want, err := MAC(secret, info, keyID, key)
	if err != nil {
		return false
	}
	return hmac.Equal(want, mac)
}

// KeyListMAC authenticates the sorted, comma-joined list of key ids a MAC
// message covers, so a stripped key cannot go unnoticed.
func KeyListMAC(secret []byte, info string, sortedKeyIDs string) ([]byte, error) {
	return MAC(secret, info, "KEY_IDS", []byte(sortedKeyIDs))
}

func bytesFromKDF(secret []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// EmojiIndices maps the code bytes onto 7 indices in 0..63 for clients that
// render emoji instead of digits.
func EmojiIndices(secret []byte, info string) ([]int, error) {
	raw, err := bytesFromKDF(secret, "mantle-sas|emoji|"+info, 6)
	if err != nil {
		return nil, err
	}
	v := binary.BigEndian.Uint64(append(raw, 0, 0))
	out := make([]int, 7)
	for i := 0; i < 7; i++ {
		out[i] = int((v >> (58 - 6*i)) & 0x3f)
	}
	return out, nil
}
