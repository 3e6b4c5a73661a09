// Package account owns the local device's long-term identity: the signing
// and identity key pairs, the bounded one-time prekey pool, and the single
// publishable fallback key.
//
// Publishing is two-phase: the service builds a publish-keys request from
// whatever is unpublished, and only MarkKeysPublished (called after the
// transport confirms the upload) flips the published flags. Unconsumed
// private halves are never deleted on publish; someone may still complete a
// session against them.
package account
