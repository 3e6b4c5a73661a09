package domain

import "time"

// OutboundGroupState is the hash-ratchet state of a session we encrypt with.
type OutboundGroupState struct {
	ChainKey     []byte `json:"chain_key"`
	MessageIndex uint32 `json:"message_index"`
}

// InboundGroupState pins the earliest chain key we hold. Message keys for
// index >= FirstKnownIndex are derived forward from it; earlier indices are
// unrecoverable by construction.
type InboundGroupState struct {
	ChainKey        []byte `json:"chain_key"`
	FirstKnownIndex uint32 `json:"first_known_index"`
}

// SessionProvenance records how an inbound group session reached us.
type SessionProvenance int

const (
	// ProvenanceDirect means the sender shared the session with us over a
	// pairwise-encrypted channel.
	ProvenanceDirect SessionProvenance = iota
	// ProvenanceForwarded means another device forwarded it; trusted strictly
	// less than direct unless the whole chain is independently verified.
	ProvenanceForwarded
	// ProvenanceBackup means the session was restored from an encrypted
	// server-side backup.
	ProvenanceBackup
)

func (p SessionProvenance) String() string {
	switch p {
	case ProvenanceForwarded:
		return "forwarded"
	case ProvenanceBackup:
		return "backup"
	default:
		return "direct"
	}
}

// OutboundGroupSession is the per-room encryption ratchet owned by this device.
type OutboundGroupSession struct {
	ID     SessionID `json:"id"`
	RoomID RoomID    `json:"room_id"`

	State      OutboundGroupState `json:"state"`
	SigningKey Ed25519Public      `json:"signing_key"` // our device signing key, claimed to recipients

	// SharedWith snapshots the devices (by identity key) this session's key
	// was distributed to. A device outside this snapshot appearing in the
	// room makes the session stale.
	SharedWith map[string]X25519Public `json:"shared_with"` // DeviceKey.String() -> identity key

	CreatedAt time.Time `json:"created_at"`
	Retired   bool      `json:"retired"`
}

// InboundGroupSession decrypts a room's messages for one sender session.
type InboundGroupSession struct {
	ID     SessionID `json:"id"`
	RoomID RoomID    `json:"room_id"`

	SenderKey  X25519Public  `json:"sender_key"`
	SigningKey Ed25519Public `json:"signing_key"` // claimed, verified only via device/identity trust

	State InboundGroupState `json:"state"`

	Provenance      SessionProvenance `json:"provenance"`
	ForwardingChain []X25519Public    `json:"forwarding_chain,omitempty"`

	// BackedUp flips when the session has been uploaded under the current
	// backup version; switching versions resets it.
	BackedUp bool `json:"backed_up"`

	CreatedAt time.Time `json:"created_at"`
}

// GroupMessage is the ciphertext payload of an encrypted room event.
type GroupMessage struct {
	SessionID SessionID `json:"session_id"`
	Index     uint32    `json:"index"`
	Cipher    []byte    `json:"cipher"`
}

// RoomKeyContent shares an outbound session's decryption material with one
// device, sent pairwise-encrypted.
type RoomKeyContent struct {
	RoomID     RoomID        `json:"room_id"`
	SessionID  SessionID     `json:"session_id"`
	ChainKey   []byte        `json:"chain_key"`
	ChainIndex uint32        `json:"chain_index"`
	SigningKey Ed25519Public `json:"signing_key"`
}

// ForwardedRoomKeyContent is a gossiped session, with provenance attached.
type ForwardedRoomKeyContent struct {
	RoomID          RoomID         `json:"room_id"`
	SessionID       SessionID      `json:"session_id"`
	SenderKey       X25519Public   `json:"sender_key"`
	SigningKey      Ed25519Public  `json:"signing_key"`
	ChainKey        []byte         `json:"chain_key"`
	ChainIndex      uint32         `json:"chain_index"`
	ForwardingChain []X25519Public `json:"forwarding_chain,omitempty"`
}

// ExportedGroupSession is the export-safe form of an inbound session, used by
// key backup and file export. It never contains ratchet state older than the
// first known index.
type ExportedGroupSession struct {
	Algorithm       string         `json:"algorithm"`
	RoomID          RoomID         `json:"room_id"`
	SessionID       SessionID      `json:"session_id"`
	SenderKey       X25519Public   `json:"sender_key"`
	SigningKey      Ed25519Public  `json:"sender_claimed_signing_key"`
	ChainKey        []byte         `json:"chain_key"`
	ChainIndex      uint32         `json:"chain_index"`
	ForwardingChain []X25519Public `json:"forwarding_chain,omitempty"`
}

// GroupAlgorithm tags exported sessions and room-key events.
const GroupAlgorithm = "mantle.group.v1"
