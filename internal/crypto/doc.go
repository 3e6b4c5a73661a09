// Package crypto exposes the minimal primitives used by mantle.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519, DH)
//   - Ed25519 key generation, signing and verification (GenerateEd25519,
//     SignEd25519, VerifyEd25519)
//   - Canonical JSON signing helpers for device and cross-signing payloads
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// All functions return the fixed-size array types defined in internal/domain
// to avoid accidental reallocations. Callers should treat returned secrets as
// sensitive and rely on memzero when practical.
package crypto
