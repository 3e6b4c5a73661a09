package domain

import "time"

// TrustState is the verification level of a device or identity.
// Transitions only move forward (Unknown -> Unverified -> Verified) unless
// the caller explicitly resets; Blacklisted is tracked separately.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustUnverified
	TrustVerified
)

func (t TrustState) String() string {
	switch t {
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Device is another client instance, ours or a contact's.
type Device struct {
	UserID      UserID       `json:"user_id"`
	DeviceID    DeviceID     `json:"device_id"`
	IdentityKey X25519Public `json:"identity_key"`
	SigningKey  Ed25519Public `json:"signing_key"`
	DisplayName string       `json:"display_name,omitempty"`

	// Signatures as uploaded with the device keys: self-signature plus any
	// cross-signing signatures, keyed by signer then key id.
	Signatures map[UserID]map[string][]byte `json:"signatures,omitempty"`

	Trust       TrustState `json:"trust"`
	Blacklisted bool       `json:"blacklisted"`
	FirstSeen   time.Time  `json:"first_seen"`
}

// Key returns the device's address in the device table.
func (d Device) Key() DeviceKey { return DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID} }

// UserIdentity is a user's cross-signing identity.
type UserIdentity struct {
	UserID UserID `json:"user_id"`

	MasterKey      Ed25519Public `json:"master_key"`
	SelfSigningKey Ed25519Public `json:"self_signing_key"`
	// SelfSigningSig is the master key's signature over the self-signing key.
	SelfSigningSig []byte `json:"self_signing_sig,omitempty"`

	// UserSigningKey is only meaningful for our own identity; it signs other
	// users' master keys.
	UserSigningKey Ed25519Public `json:"user_signing_key,omitempty"`
	UserSigningSig []byte        `json:"user_signing_sig,omitempty"`

	Verified  bool      `json:"verified"`
	FirstSeen time.Time `json:"first_seen"`
}
