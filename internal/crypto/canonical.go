package crypto

import (
	"encoding/json"

	"mantle/internal/domain"
)

// signableDeviceKeys is the canonical signed form of a device key set: the
// uploaded payload minus its signatures, with a fixed field order.
type signableDeviceKeys struct {
	UserID      domain.UserID       `json:"user_id"`
	DeviceID    domain.DeviceID     `json:"device_id"`
	IdentityKey domain.X25519Public `json:"identity_key"`
	SigningKey  domain.Ed25519Public `json:"signing_key"`
}

// DeviceKeysSignable returns the bytes a device-keys signature covers.
func DeviceKeysSignable(k domain.DeviceKeys) []byte {
	b, _ := json.Marshal(signableDeviceKeys{
		UserID:      k.UserID,
		DeviceID:    k.DeviceID,
		IdentityKey: k.IdentityKey,
		SigningKey:  k.SigningKey,
	})
	return b
}

// DeviceSignable returns the same canonical bytes for a stored device record.
func DeviceSignable(d domain.Device) []byte {
	b, _ := json.Marshal(signableDeviceKeys{
		UserID:      d.UserID,
		DeviceID:    d.DeviceID,
		IdentityKey: d.IdentityKey,
		SigningKey:  d.SigningKey,
	})
	return b
}

// CrossSigningKeySignable returns the bytes a cross-signing key signature
// covers: the owning user plus the key itself.
func CrossSigningKeySignable(user domain.UserID, key domain.Ed25519Public) []byte {
	b, _ := json.Marshal(struct {
		UserID domain.UserID        `json:"user_id"`
		Key    domain.Ed25519Public `json:"key"`
	}{UserID: user, Key: key})
	return b
}
