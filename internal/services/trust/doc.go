// Package trust tracks what we believe about other devices and identities.
//
// Trust only moves forward: a device goes Unknown to Unverified when its
// keys check out, and Unverified to Verified through an explicit act (an
// interactive verification, a QR scan, or a valid cross-signing chain).
// Nothing downgrades implicitly; re-ingesting the same keys is a no-op and
// downgrades happen only through ResetTrust. Blacklisting is orthogonal and
// survives key re-downloads.
package trust
