// Package groupratchet implements the hash ratchet behind room messaging.
//
// An outbound session owns a chain key that advances one-way per message; a
// per-index message key is derived from the chain at each step. Receivers
// import the chain key at some index and can only derive keys forward from
// it, so handing out the chain at index N reveals nothing before N.
//
// State mutation is the caller's concern: EncryptNext mutates the outbound
// state, DecryptAt never mutates the inbound state (receivers keep the chain
// pinned at the first known index and derive forward per message).
package groupratchet

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"mantle/internal/domain"
	"mantle/internal/util/memzero"
)

const chainKeySize = 32

var (
	// ErrIndexTooOld means the requested message index predates the first
	// known chain position; the key material no longer exists.
	ErrIndexTooOld = errors.New("groupratchet: message index before first known index")
	// ErrOpenFailed means the AEAD rejected the ciphertext.
	ErrOpenFailed = errors.New("groupratchet: message authentication failed")
)

// NewOutbound creates a fresh outbound state at index zero.
func NewOutbound() (domain.OutboundGroupState, error) {
	ck := make([]byte, chainKeySize)
	if _, err := rand.Read(ck); err != nil {
		return domain.OutboundGroupState{}, err
	}
	return domain.OutboundGroupState{ChainKey: ck, MessageIndex: 0}, nil
}

// Inbound pins a received chain key at its index.
func Inbound(chainKey []byte, firstIndex uint32) domain.InboundGroupState {
	return domain.InboundGroupState{
		ChainKey:        append([]byte(nil), chainKey...),
		FirstKnownIndex: firstIndex,
	}
}

// EncryptNext seals plaintext at the current index and advances the chain.
func EncryptNext(st *domain.OutboundGroupState, ad, plaintext []byte) (uint32, []byte, error) {
	index := st.MessageIndex
	mk := messageKey(st.ChainKey)
	defer memzero.Zero(mk)

	ct, err := seal(mk, index, ad, plaintext)
	if err != nil {
		return 0, nil, err
	}
	st.ChainKey = advance(st.ChainKey)
	st.MessageIndex++
	return index, ct, nil
}

// DecryptAt opens a ciphertext sealed at index. The inbound state is not
// mutated; replay suppression is the caller's job (the engine keys a digest
// cache by session id).
func DecryptAt(st domain.InboundGroupState, ad []byte, index uint32, ciphertext []byte) ([]byte, error) {
	if index < st.FirstKnownIndex {
		return nil, ErrIndexTooOld
	}
	ck := append([]byte(nil), st.ChainKey...)
	for i := st.FirstKnownIndex; i < index; i++ {
		ck = advance(ck)
	}
	mk := messageKey(ck)
	memzero.Zero(ck)
	defer memzero.Zero(mk)

	pt, err := open(mk, index, ad, ciphertext)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// ChainAt returns the chain key advanced to index, for sharing or export.
// Sharing the chain at the current index gives the recipient nothing older.
func ChainAt(st domain.InboundGroupState, index uint32) ([]byte, error) {
	if index < st.FirstKnownIndex {
		return nil, ErrIndexTooOld
	}
	ck := append([]byte(nil), st.ChainKey...)
	for i := st.FirstKnownIndex; i < index; i++ {
		ck = advance(ck)
	}
	return ck, nil
}

// --- chain KDFs ---

func advance(ck []byte) []byte {
	h := hmac.New(sha256.New, ck)
	h.Write([]byte{0x02})
	return h.Sum(nil)
}

// messageKey derives the per-message key from the chain position. The
// message index is bound via the nonce and associated data, not the key
// schedule.
func messageKey(ck []byte) []byte {
	seed := hmac.New(sha256.New, ck)
	seed.Write([]byte{0x01})

	r := hkdf.New(sha256.New, seed.Sum(nil), nil, []byte("mantle-group|mk"))
	mk := make([]byte, chainKeySize)
	_, _ = io.ReadFull(r, mk)
	return mk
}

func seal(mk []byte, index uint32, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	return aead.Seal(nil, nonce, plaintext, appendIndex(ad, index)), nil
}

func open(mk []byte, index uint32, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	return aead.Open(nil, nonce, ciphertext, appendIndex(ad, index))
}

func appendIndex(ad []byte, index uint32) []byte {
	out := make([]byte, 0, len(ad)+4)
	out = append(out, ad...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return append(out, b[:]...)
}
