// Package session manages pairwise ratchet sessions with remote devices.
//
// A session starts either from a one-time key we claimed for the remote
// device (initiator path) or from the prekey message attached to the first
// inbound envelope (responder path). Several sessions with the same device
// may coexist when both sides raced to establish one: encryption always
// picks the most recently used session, decryption tries them all so
// in-flight messages on an older session still land.
//
// Decryption trials run on a copy of the ratchet state; only the state that
// actually opened the message is persisted, so a failed trial cannot
// desynchronise a session.
package session
