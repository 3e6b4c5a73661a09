package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// X25519Public is a Curve25519 public key.
type X25519Public [32]byte

func (p X25519Public) Slice() []byte { return p[:] }

// Base64 returns the unpadded base64 form used on the wire and in map keys.
func (p X25519Public) Base64() string { return base64.RawStdEncoding.EncodeToString(p[:]) }

func (p X25519Public) MarshalJSON() ([]byte, error) { return json.Marshal(p.Base64()) }

func (p *X25519Public) UnmarshalJSON(data []byte) error { return unmarshalKey32(data, p[:]) }

// IsZero reports whether the key is all zeroes (unset).
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

func (k X25519Private) Slice() []byte { return k[:] }

func (k X25519Private) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawStdEncoding.EncodeToString(k[:]))
}

func (k *X25519Private) UnmarshalJSON(data []byte) error { return unmarshalKey32(data, k[:]) }

// Ed25519Public is a signing public key.
type Ed25519Public [32]byte

func (p Ed25519Public) Slice() []byte { return p[:] }

func (p Ed25519Public) Base64() string { return base64.RawStdEncoding.EncodeToString(p[:]) }

func (p Ed25519Public) MarshalJSON() ([]byte, error) { return json.Marshal(p.Base64()) }

func (p *Ed25519Public) UnmarshalJSON(data []byte) error { return unmarshalKey32(data, p[:]) }

func (p Ed25519Public) IsZero() bool { return p == Ed25519Public{} }

// Ed25519Private is a signing private key (ed25519.PrivateKey layout).
type Ed25519Private [64]byte

func (k Ed25519Private) Slice() []byte { return k[:] }

func (k Ed25519Private) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawStdEncoding.EncodeToString(k[:]))
}

func (k *Ed25519Private) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 64 {
		return fmt.Errorf("signing private key: got %d bytes, want 64", len(raw))
	}
	copy(k[:], raw)
	return nil
}

// ParseX25519Public decodes the unpadded base64 form.
func ParseX25519Public(s string) (X25519Public, error) {
	var p X25519Public
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(raw) != 32 {
		return p, fmt.Errorf("curve25519 key: got %d bytes, want 32", len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

// ParseEd25519Public decodes the unpadded base64 form.
func ParseEd25519Public(s string) (Ed25519Public, error) {
	var p Ed25519Public
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(raw) != 32 {
		return p, fmt.Errorf("ed25519 key: got %d bytes, want 32", len(raw))
	}
	copy(p[:], raw)
	return p, nil
}

func unmarshalKey32(data []byte, dst []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("key: got %d bytes, want 32", len(raw))
	}
	copy(dst, raw)
	return nil
}
