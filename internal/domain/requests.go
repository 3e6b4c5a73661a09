package domain

import "encoding/json"

// RequestKind discriminates outbound requests for the transport collaborator.
type RequestKind string

const (
	RequestPublishKeys         RequestKind = "publish_keys"
	RequestClaimKeys           RequestKind = "claim_keys"
	RequestQueryKeys           RequestKind = "query_keys"
	RequestSendToDevice        RequestKind = "send_to_device"
	RequestUploadBackupVersion RequestKind = "upload_backup_version"
	RequestUploadBackupEntries RequestKind = "upload_backup_entries"
)

// PublishKeysRequest uploads identity keys, one-time keys and the fallback key.
type PublishKeysRequest struct {
	DeviceKeys  *DeviceKeys             `json:"device_keys,omitempty"`
	OneTimeKeys map[string]X25519Public `json:"one_time_keys,omitempty"` // key id -> pub
	FallbackKey map[string]X25519Public `json:"fallback_key,omitempty"`  // key id -> pub
}

// ClaimKeysRequest claims one one-time key per listed device.
type ClaimKeysRequest struct {
	// OneTimeKeys maps user -> device -> algorithm.
	OneTimeKeys map[UserID]map[DeviceID]string `json:"one_time_keys"`
}

// QueryKeysRequest asks the server for current device lists.
type QueryKeysRequest struct {
	Users []UserID `json:"users"`
}

// SendToDeviceRequest carries per-device targeted events.
type SendToDeviceRequest struct {
	EventType string                                 `json:"event_type"`
	Messages  map[UserID]map[DeviceID]json.RawMessage `json:"messages"`
}

// UploadBackupVersionRequest registers a new backup version.
type UploadBackupVersionRequest struct {
	Version   string       `json:"version"`
	PublicKey X25519Public `json:"public_key"`
}

// UploadBackupEntriesRequest uploads encrypted session backups.
type UploadBackupEntriesRequest struct {
	Version string        `json:"version"`
	Entries []BackupEntry `json:"entries"`
}

// OutgoingRequest is one unit of work for the transport collaborator.
// Exactly one of the pointer fields matching Kind is set.
type OutgoingRequest struct {
	ID   RequestID   `json:"id"`
	Kind RequestKind `json:"kind"`

	PublishKeys         *PublishKeysRequest         `json:"publish_keys,omitempty"`
	ClaimKeys           *ClaimKeysRequest           `json:"claim_keys,omitempty"`
	QueryKeys           *QueryKeysRequest           `json:"query_keys,omitempty"`
	SendToDevice        *SendToDeviceRequest        `json:"send_to_device,omitempty"`
	UploadBackupVersion *UploadBackupVersionRequest `json:"upload_backup_version,omitempty"`
	UploadBackupEntries *UploadBackupEntriesRequest `json:"upload_backup_entries,omitempty"`
}
