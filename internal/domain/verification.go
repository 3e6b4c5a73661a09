package domain

import "time"

// FlowState is the verification state machine position. Done and Cancelled
// are terminal; no further transitions are accepted from either.
type FlowState int

const (
	FlowCreated FlowState = iota
	FlowRequested
	FlowReady
	FlowKeysExchanged
	FlowMacExchanged
	FlowDone
	FlowCancelled
)

func (s FlowState) String() string {
	switch s {
	case FlowCreated:
		return "created"
	case FlowRequested:
		return "requested"
	case FlowReady:
		return "ready"
	case FlowKeysExchanged:
		return "keys_exchanged"
	case FlowMacExchanged:
		return "mac_exchanged"
	case FlowDone:
		return "done"
	case FlowCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are accepted.
func (s FlowState) Terminal() bool { return s == FlowDone || s == FlowCancelled }

// CancelReason explains why a flow ended in FlowCancelled.
type CancelReason string

const (
	ReasonUser              CancelReason = "user"
	ReasonTimeout           CancelReason = "timeout"
	ReasonMacMismatch       CancelReason = "mac_mismatch"
	ReasonKeyMismatch       CancelReason = "key_mismatch"
	ReasonUnexpectedMessage CancelReason = "unexpected_message"
)

// VerificationMethod selects the protocol variant for a flow.
type VerificationMethod string

const (
	MethodSAS VerificationMethod = "sas"
	MethodQR  VerificationMethod = "qr"
)

// VerificationFlow is one in-progress or finished verification.
type VerificationFlow struct {
	ID     FlowID             `json:"id"`
	Method VerificationMethod `json:"method"`

	OtherUser   UserID   `json:"other_user"`
	OtherDevice DeviceID `json:"other_device"`
	WeStarted   bool     `json:"we_started"`

	State  FlowState    `json:"state"`
	Reason CancelReason `json:"reason,omitempty"`

	// SAS material.
	OurEphemeralPriv X25519Private `json:"our_ephemeral_priv"`
	OurEphemeralPub  X25519Public  `json:"our_ephemeral_pub"`
	TheirEphemeral   X25519Public  `json:"their_ephemeral"`
	Commitment       []byte        `json:"commitment,omitempty"`       // ours, if we accepted
	TheirCommitment  []byte        `json:"their_commitment,omitempty"` // theirs, checked at key reveal
	StartPayload     []byte        `json:"start_payload,omitempty"`    // canonical start content the commitment binds
	WeSentMac        bool          `json:"we_sent_mac,omitempty"`
	TheySentMac      bool          `json:"they_sent_mac,omitempty"`

	// QR material.
	SharedSecret []byte `json:"shared_secret,omitempty"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}
