package domain

import "encoding/json"

// EventKind discriminates inbound protocol events.
type EventKind string

const (
	EventEncryptedRoom    EventKind = "encrypted_room"
	EventEncryptedDirect  EventKind = "encrypted_direct" // pairwise to-device envelope
	EventRoomKey          EventKind = "room_key"
	EventForwardedRoomKey EventKind = "forwarded_room_key"
	EventRoomKeyRequest   EventKind = "room_key_request"
	EventSecretRequest    EventKind = "secret_request"
	EventSecretSend       EventKind = "secret_send"

	EventVerificationRequest EventKind = "verification_request"
	EventVerificationReady   EventKind = "verification_ready"
	EventVerificationStart   EventKind = "verification_start"
	EventVerificationAccept  EventKind = "verification_accept"
	EventVerificationKey     EventKind = "verification_key"
	EventVerificationMac     EventKind = "verification_mac"
	EventVerificationDone    EventKind = "verification_done"
	EventVerificationCancel  EventKind = "verification_cancel"
)

// Event is one inbound protocol event delivered by the transport collaborator.
// Payload is the kind-specific content, decoded by the owning component.
type Event struct {
	Kind EventKind `json:"kind"`

	Sender       UserID   `json:"sender"`
	SenderDevice DeviceID `json:"sender_device,omitempty"`
	// SenderKey is the claimed identity key on encrypted events.
	SenderKey X25519Public `json:"sender_key,omitempty"`

	RoomID RoomID `json:"room_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// DirectPayload is the plaintext carried inside a pairwise envelope: an
// inner event kind plus its kind-specific content.
type DirectPayload struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Verification event contents. All carry the flow id; the rest varies by step.

type VerificationRequestContent struct {
	FlowID     FlowID               `json:"flow_id"`
	FromDevice DeviceID             `json:"from_device"`
	Methods    []VerificationMethod `json:"methods"`
}

type VerificationReadyContent struct {
	FlowID     FlowID               `json:"flow_id"`
	FromDevice DeviceID             `json:"from_device"`
	Methods    []VerificationMethod `json:"methods"`
}

type VerificationStartContent struct {
	FlowID     FlowID             `json:"flow_id"`
	FromDevice DeviceID           `json:"from_device"`
	Method     VerificationMethod `json:"method"`
	// Secret is only present for the QR reciprocation start.
	Secret []byte `json:"secret,omitempty"`
}

type VerificationAcceptContent struct {
	FlowID     FlowID `json:"flow_id"`
	Commitment []byte `json:"commitment"`
}

type VerificationKeyContent struct {
	FlowID FlowID       `json:"flow_id"`
	Key    X25519Public `json:"key"`
}

type VerificationMacContent struct {
	FlowID FlowID `json:"flow_id"`
	// Macs maps key id ("ed25519:<device>") to the MAC over that key.
	Macs map[string][]byte `json:"macs"`
	// KeysMac authenticates the sorted list of key ids above.
	KeysMac []byte `json:"keys_mac"`
}

type VerificationDoneContent struct {
	FlowID FlowID `json:"flow_id"`
}

type VerificationCancelContent struct {
	FlowID FlowID       `json:"flow_id"`
	Reason CancelReason `json:"reason"`
}
