package domain

import "context"

// Store is the system of record for all engine entities. Implementations are
// expected to run every value through the store-encryption primitive before
// it reaches durable storage; the engine treats a failed write as "the
// operation did not happen".
//
// Store I/O is the engine's only suspension point, hence the contexts.
type Store interface {
	// Account. There is exactly one per store.
	Account(ctx context.Context) (Account, bool, error)
	SaveAccount(ctx context.Context, a Account) error

	// Devices.
	Device(ctx context.Context, user UserID, device DeviceID) (Device, bool, error)
	DevicesForUser(ctx context.Context, user UserID) ([]Device, error)
	SaveDevices(ctx context.Context, devices []Device) error
	DeleteDevice(ctx context.Context, user UserID, device DeviceID) error

	// Cross-signing identities.
	UserIdentity(ctx context.Context, user UserID) (UserIdentity, bool, error)
	SaveUserIdentity(ctx context.Context, id UserIdentity) error

	// Pairwise sessions, bucketed by the remote device's identity key.
	PairwiseSessions(ctx context.Context, remote X25519Public) ([]PairwiseSession, error)
	SavePairwiseSession(ctx context.Context, s PairwiseSession) error

	// Group sessions.
	OutboundGroupSession(ctx context.Context, room RoomID) (OutboundGroupSession, bool, error)
	SaveOutboundGroupSession(ctx context.Context, s OutboundGroupSession) error
	InboundGroupSession(ctx context.Context, room RoomID, id SessionID) (InboundGroupSession, bool, error)
	InboundGroupSessions(ctx context.Context) ([]InboundGroupSession, error)
	SaveInboundGroupSession(ctx context.Context, s InboundGroupSession) error

	// Key requests, at most one live per (room, session).
	KeyRequest(ctx context.Context, room RoomID, session SessionID) (KeyRequest, bool, error)
	ActiveKeyRequests(ctx context.Context) ([]KeyRequest, error)
	SaveKeyRequest(ctx context.Context, r KeyRequest) error
	DeleteKeyRequest(ctx context.Context, room RoomID, session SessionID) error

	// Backup key; one active version at a time.
	BackupKey(ctx context.Context) (BackupKey, bool, error)
	SaveBackupKey(ctx context.Context, k BackupKey) error

	// Verification flows.
	Flow(ctx context.Context, id FlowID) (VerificationFlow, bool, error)
	Flows(ctx context.Context) ([]VerificationFlow, error)
	SaveFlow(ctx context.Context, f VerificationFlow) error
	DeleteFlow(ctx context.Context, id FlowID) error

	// Replay-hash cache, keyed by session id + ciphertext digest.
	SeenCiphertext(ctx context.Context, session SessionID, digest []byte) (bool, error)
	RememberCiphertext(ctx context.Context, session SessionID, digest []byte) error

	// Transaction runs fn with a view of the store whose writes apply
	// atomically when fn returns nil.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
