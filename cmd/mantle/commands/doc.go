// Package commands implements the mantle CLI: local-store operations for
// account setup, prekey maintenance, backup keys and session key files.
// There is no network code here; delivery belongs to the embedding client.
package commands
