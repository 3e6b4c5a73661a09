// Package sealer is the store-encryption primitive: it derives per-store
// keys from a passphrase and seals every value before it reaches a
// persistence backend.
//
// Framing is nonce‖ciphertext‖tag with the logical table name bound in as
// associated data, so a ciphertext lifted from one table cannot be replayed
// into another. The KDF parameters and salt are not secret and are stored
// alongside the ciphertexts so the keys can be re-derived on reopen.
package sealer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"mantle/internal/util/memzero"
)

const (
	keySize   = chacha20poly1305.KeySize
	nonceSize = chacha20poly1305.NonceSizeX
	SaltSize  = 16
)

var (
	// ErrAuthenticationFailed means the tag or the associated table name did
	// not match: wrong key, flipped bits, or cross-table replay.
	ErrAuthenticationFailed = errors.New("sealer: authentication failed")
	// ErrMalformedCiphertext means the nonce framing or length is invalid.
	ErrMalformedCiphertext = errors.New("sealer: malformed ciphertext")
)

// KDFParams are the argon2id work-factor knobs. They are persisted next to
// the ciphertexts, in the clear.
type KDFParams struct {
	Time    uint32 `json:"time"`
	MemoryK uint32 `json:"memory_kib"`
	Threads uint8  `json:"threads"`
}

// DefaultKDFParams is a reasonable interactive work factor.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryK: 64 * 1024, Threads: 4}
}

// Keys holds the derived encryption and MAC keys. Stateless once derived;
// safe for concurrent use.
type Keys struct {
	enc [keySize]byte
	mac [keySize]byte
}

// DeriveKeys stretches passphrase with argon2id and splits the output into
// an AEAD key and a MAC key.
func DeriveKeys(passphrase string, salt []byte, p KDFParams) (*Keys, error) {
	if len(salt) != SaltSize {
		return nil, errors.New("sealer: invalid salt size")
	}
	raw := argon2.IDKey([]byte(passphrase), salt, p.Time, p.MemoryK, p.Threads, keySize*2)
	defer memzero.Zero(raw)

	k := &Keys{}
	copy(k.enc[:], raw[:keySize])
	copy(k.mac[:], raw[keySize:])
	return k, nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Seal encrypts plaintext under the table's associated data with a fresh
// random nonce. Output framing: nonce‖ciphertext‖tag.
func (k *Keys) Seal(table string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.enc[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out[:nonceSize]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[:nonceSize], plaintext, []byte(table)), nil
}

// Open reverses Seal. It fails with ErrMalformedCiphertext on bad framing
// and ErrAuthenticationFailed when the tag or table does not match.
func (k *Keys) Open(table string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.enc[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize+aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}
	pt, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], []byte(table))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// HashKey returns a deterministic MAC of a lookup key so backends can index
// records without learning the plaintext key.
func (k *Keys) HashKey(table, key string) string {
	h := hmac.New(sha256.New, k.mac[:])
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Wipe erases the derived keys.
func (k *Keys) Wipe() {
	memzero.Zero(k.enc[:])
	memzero.Zero(k.mac[:])
}
