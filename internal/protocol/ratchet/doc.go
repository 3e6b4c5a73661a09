// Package ratchet implements the double ratchet used by pairwise sessions.
//
// The algorithm maintains a root key and two message chains (send and
// receive). Each message advances a KDF chain so that keys are forward
// secure. When a party changes its DH ratchet public key, both sides derive
// new chain keys from a new root derived via DH.
//
// Encrypt and Decrypt mutate the state irreversibly. Callers that want to
// try a ciphertext against several candidate sessions must work on a copy
// and commit only the state that succeeded.
//
// Concurrency: RatchetState is NOT safe for concurrent use. Callers must
// serialise access per session.
package ratchet
