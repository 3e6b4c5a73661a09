package domain

import "time"

// BackupKey is the server-side recovery key material. Export operations are
// keyed to exactly one active version at a time.
type BackupKey struct {
	Version   string       `json:"version"`
	PublicKey X25519Public `json:"public_key"`
	CreatedAt time.Time    `json:"created_at"`
}

// BackupEntry is one encrypted exported session, addressed for upload.
type BackupEntry struct {
	Version   string    `json:"version"`
	RoomID    RoomID    `json:"room_id"`
	SessionID SessionID `json:"session_id"`

	// FirstKnownIndex is uploaded in the clear so the server can keep the
	// entry with the lowest index when two clients race.
	FirstKnownIndex uint32 `json:"first_known_index"`

	// Ephemeral, Cipher and MAC form the sealed ExportedGroupSession.
	Ephemeral X25519Public `json:"ephemeral"`
	Cipher    []byte       `json:"cipher"`
}
