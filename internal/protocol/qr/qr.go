// Package qr defines the fixed binary layout carried inside a verification
// QR code. Rendering and camera decoding are the client's problem; this
// package only packs and parses the bytes.
//
// Layout, all multi-byte values big-endian:
//
//	bytes 0..5   ASCII "MANTLE"
//	byte  6      format version (currently 1)
//	byte  7      mode
//	bytes 8..9   flow id length L
//	L bytes      flow id
//	32 bytes     first key  (displayer's signing key)
//	32 bytes     second key (the key the displayer expects the scanner to have)
//	>=8 bytes    shared secret
package qr

import (
	"bytes"
	"encoding/binary"
	"errors"

	"mantle/internal/domain"
)

// Mode says what relationship the QR code asserts.
type Mode byte

const (
	// ModeCrossSigning verifies another user via master keys.
	ModeCrossSigning Mode = 0x00
	// ModeSelfTrusted verifies our own new device from a trusted one.
	ModeSelfTrusted Mode = 0x01
	// ModeSelfUntrusted verifies from the untrusted side.
	ModeSelfUntrusted Mode = 0x02
)

const (
	formatTag       = "MANTLE"
	formatVersion   = 1
	minSecretLen    = 8
	fixedHeaderSize = len(formatTag) + 1 + 1 + 2
)

var (
	// ErrMalformedPayload covers every framing problem: wrong tag, bad
	// version, truncated keys, short secret.
	ErrMalformedPayload = errors.New("qr: malformed payload")
)

// Payload is the decoded QR content.
type Payload struct {
	Mode      Mode
	FlowID    domain.FlowID
	FirstKey  domain.Ed25519Public
	SecondKey domain.Ed25519Public
	Secret    []byte
}

// Encode packs the payload into the wire layout.
func (p Payload) Encode() ([]byte, error) {
	if len(p.Secret) < minSecretLen {
		return nil, errors.New("qr: shared secret too short")
	}
	if len(p.FlowID) > 0xffff {
		return nil, errors.New("qr: flow id too long")
	}
	out := make([]byte, 0, fixedHeaderSize+len(p.FlowID)+64+len(p.Secret))
	out = append(out, formatTag...)
	out = append(out, formatVersion, byte(p.Mode))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(p.FlowID)))
	out = append(out, l[:]...)
	out = append(out, p.FlowID...)
	out = append(out, p.FirstKey[:]...)
	out = append(out, p.SecondKey[:]...)
	out = append(out, p.Secret...)
	return out, nil
}

// Decode parses the wire layout.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if len(raw) < fixedHeaderSize {
		return p, ErrMalformedPayload
	}
	if !bytes.Equal(raw[:len(formatTag)], []byte(formatTag)) {
		return p, ErrMalformedPayload
	}
	if raw[len(formatTag)] != formatVersion {
		return p, ErrMalformedPayload
	}
	mode := Mode(raw[len(formatTag)+1])
	if mode > ModeSelfUntrusted {
		return p, ErrMalformedPayload
	}
	l := int(binary.BigEndian.Uint16(raw[len(formatTag)+2 : fixedHeaderSize]))
	rest := raw[fixedHeaderSize:]
	if len(rest) < l+64+minSecretLen {
		return p, ErrMalformedPayload
	}
	p.Mode = mode
	p.FlowID = domain.FlowID(rest[:l])
	copy(p.FirstKey[:], rest[l:l+32])
	copy(p.SecondKey[:], rest[l+32:l+64])
	p.Secret = append([]byte(nil), rest[l+64:]...)
	return p, nil
}
