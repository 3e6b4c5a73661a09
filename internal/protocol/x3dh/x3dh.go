package x3dh

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"mantle/internal/crypto"
	"mantle/internal/domain"
	"mantle/internal/util/memzero"
)

var kdfInfo = []byte("mantle-x3dh")

// InitiatorRoot derives the root key on the initiating side:
// DH(IK_A, OTK_B) ‖ DH(EK_A, IK_B) ‖ DH(EK_A, OTK_B) through HKDF.
func InitiatorRoot(
	ourIdentityPriv domain.X25519Private,
	ourEphemeralPriv domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerOneTime domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(ourIdentityPriv, peerOneTime)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourEphemeralPriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(ourEphemeralPriv, peerOneTime)
	if err != nil {
		return nil, err
	}
	return root(dh1, dh2, dh3)
}

// ResponderRoot mirrors InitiatorRoot with the responder's private keys.
func ResponderRoot(
	ourIdentityPriv domain.X25519Private,
	oneTimePriv domain.X25519Private,
	peerIdentity domain.X25519Public,
	peerEphemeral domain.X25519Public,
) ([]byte, error) {
	dh1, err := crypto.DH(oneTimePriv, peerIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := crypto.DH(ourIdentityPriv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := crypto.DH(oneTimePriv, peerEphemeral)
	if err != nil {
		return nil, err
	}
	return root(dh1, dh2, dh3)
}

func root(dhs ...[32]byte) ([]byte, error) {
	concat := make([]byte, 0, 32*len(dhs))
	for i := range dhs {
		concat = append(concat, dhs[i][:]...)
	}
	defer memzero.Zero(concat)

	r := hkdf.New(sha256.New, concat, nil, kdfInfo)
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
