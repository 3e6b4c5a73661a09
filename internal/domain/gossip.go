package domain

import "time"

// KeyRequest is a pending request for a group session we cannot decrypt.
// At most one non-cancelled request exists per (room, session) pair.
type KeyRequest struct {
	ID RequestID `json:"id"`

	RoomID    RoomID       `json:"room_id"`
	SessionID SessionID    `json:"session_id"`
	SenderKey X25519Public `json:"sender_key"`

	// Recipients snapshots our verified devices at creation time; later trust
	// changes do not retract an already-sent request.
	Recipients []DeviceKey `json:"recipients"`

	Sent      bool      `json:"sent"`
	Cancelled bool      `json:"cancelled"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyRequestContent is the to-device payload asking our other devices for a
// session, or withdrawing such a request.
type KeyRequestContent struct {
	Action    string       `json:"action"` // "request" or "cancel"
	RequestID RequestID    `json:"request_id"`
	RoomID    RoomID       `json:"room_id,omitempty"`
	SessionID SessionID    `json:"session_id,omitempty"`
	SenderKey X25519Public `json:"sender_key,omitempty"`
	Requester DeviceID     `json:"requesting_device_id"`
}

// SecretRequestContent asks an own device for a named secret (for example a
// backup recovery key).
type SecretRequestContent struct {
	Action    string    `json:"action"` // "request" or "cancel"
	RequestID RequestID `json:"request_id"`
	Name      string    `json:"name,omitempty"`
	Requester DeviceID  `json:"requesting_device_id"`
}

// SecretSendContent answers a secret request; always pairwise-encrypted.
type SecretSendContent struct {
	RequestID RequestID `json:"request_id"`
	Secret    []byte    `json:"secret"`
}

// Well-known secret names the engine understands.
const (
	SecretBackupKey = "mantle.secret.backup_key"
)
