package domain

// UserID identifies a user across the federation, e.g. "@alice:example.org".
type UserID string

// DeviceID identifies one client instance belonging to a user.
type DeviceID string

// RoomID identifies a room.
type RoomID string

// SessionID identifies a pairwise or group session.
type SessionID string

// FlowID identifies one verification flow.
type FlowID string

// RequestID identifies an outgoing request or a key request.
type RequestID string

// DeviceKey addresses a device within a user's device list.
type DeviceKey struct {
	UserID   UserID   `json:"user_id"`
	DeviceID DeviceID `json:"device_id"`
}

func (d DeviceKey) String() string { return string(d.UserID) + "|" + string(d.DeviceID) }
