// Package backup seals inbound group sessions against a recovery key so a
// future login can restore reading history.
//
// Each entry is encrypted for the backup public key with a fresh ephemeral
// X25519 pair; holding the backup private key is necessary and sufficient to
// open it. Rotating the backup key starts a new version: everything held
// gets re-uploaded under the new version, while entries already on the
// server stay decryptable with the old private key.
package backup
