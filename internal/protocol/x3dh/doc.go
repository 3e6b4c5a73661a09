// Package x3dh derives the shared root key that seeds a pairwise double
// ratchet, from a triple Diffie–Hellman over identity, ephemeral and
// one-time (or fallback) keys.
//
// The initiator claims a one-time key for the remote device and calls
// InitiatorRoot; the responder later recovers the same root from the prekey
// message with ResponderRoot. The consumed one-time key must never be reused.
package x3dh
