package domain

import "time"

// OneTimeKeyPair is a single-use prekey held locally until consumed.
type OneTimeKeyPair struct {
	ID        string        `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Published bool          `json:"published"`
	CreatedAt time.Time     `json:"created_at"`
}

// FallbackKeyPair is the long-lived prekey used when the one-time pool runs dry.
// Exactly one fallback key is publishable at a time; the previous one is kept
// around briefly so in-flight sessions against it still complete.
type FallbackKeyPair struct {
	ID        string        `json:"id"`
	Priv      X25519Private `json:"priv"`
	Pub       X25519Public  `json:"pub"`
	Published bool          `json:"published"`
	CreatedAt time.Time     `json:"created_at"`
}

// Account holds the local device's long-term key material and prekey pool.
type Account struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`

	IdentityPriv X25519Private `json:"identity_priv"`
	IdentityPub  X25519Public  `json:"identity_pub"`
	SigningPriv  Ed25519Private `json:"signing_priv"`
	SigningPub   Ed25519Public  `json:"signing_pub"`

	// OneTimeKeys maps key id to pair. A consumed key is removed; a published
	// but unconsumed key stays (someone may still start a session with it).
	OneTimeKeys map[string]OneTimeKeyPair `json:"one_time_keys"`

	Fallback     *FallbackKeyPair `json:"fallback,omitempty"`
	PrevFallback *FallbackKeyPair `json:"prev_fallback,omitempty"`

	// UploadedKeyCount is the number of one-time keys the server currently
	// advertises for us, as of the last publish.
	UploadedKeyCount int  `json:"uploaded_key_count"`
	Shared           bool `json:"shared"` // identity keys published at least once

	CreatedAt time.Time `json:"created_at"`
}

// DeviceKeys is the self-signed publishable key set for a device.
type DeviceKeys struct {
	UserID      UserID       `json:"user_id"`
	DeviceID    DeviceID     `json:"device_id"`
	IdentityKey X25519Public `json:"identity_key"`
	SigningKey  Ed25519Public `json:"signing_key"`
	// Signatures maps signing key owner to key id ("ed25519:<device>" or a
	// cross-signing key id) to signature bytes over the canonical payload.
	Signatures map[UserID]map[string][]byte `json:"signatures,omitempty"`
}
