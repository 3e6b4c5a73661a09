package domain

import "time"

// RatchetHeader accompanies each pairwise ciphertext.
type RatchetHeader struct {
	DHPub []byte `json:"dh_pub"` // 32 bytes
	PN    uint32 `json:"pn"`
	N     uint32 `json:"n"`
}

// RatchetState holds double-ratchet state for one pairwise session.
type RatchetState struct {
	RootKey []byte        `json:"root_key"`
	DHPriv  X25519Private `json:"dh_priv"`
	DHPub   X25519Public  `json:"dh_pub"`

	PeerDHPub X25519Public `json:"peer_dh_pub"`

	SendCK []byte `json:"send_ck,omitempty"`
	RecvCK []byte `json:"recv_ck,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	Skipped map[string][]byte `json:"skipped,omitempty"`
}

// PairwiseSession is one ratchet session with a single remote device.
// Several may coexist per device (both sides can race to establish one);
// encryption always uses the most recently used valid session, decryption
// may fall back to older ones for in-flight messages.
type PairwiseSession struct {
	ID SessionID `json:"id"`

	UserID            UserID       `json:"user_id"`
	DeviceID          DeviceID     `json:"device_id"`
	RemoteIdentityKey X25519Public `json:"remote_identity_key"`

	State RatchetState `json:"state"`

	// PendingPreKey rides along on every outbound envelope until the remote
	// side demonstrably holds the session (we decrypt something from it).
	PendingPreKey *PreKeyMessage `json:"pending_prekey,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// PreKeyMessage bootstraps a session on the responder side.
type PreKeyMessage struct {
	InitiatorIdentity X25519Public `json:"initiator_identity"`
	Ephemeral         X25519Public `json:"ephemeral"`
	OneTimeKeyID      string       `json:"one_time_key_id,omitempty"`
	FallbackKeyID     string       `json:"fallback_key_id,omitempty"`
}

// PairwiseEnvelope is one pairwise-encrypted to-device payload.
type PairwiseEnvelope struct {
	SessionID SessionID      `json:"session_id"`
	SenderKey X25519Public   `json:"sender_key"`
	Header    RatchetHeader  `json:"header"`
	Cipher    []byte         `json:"cipher"`
	PreKey    *PreKeyMessage `json:"prekey,omitempty"`
}
