// Package group manages room encryption sessions.
//
// Each room has at most one live outbound session, a hash ratchet whose
// chain key is distributed to recipient devices over pairwise channels.
// Recipients import the chain at the index it was shared at, so a newly
// added device cannot read messages sent before it joined. The outbound
// session rotates when its usage or age limit is hit, or when a device it
// was shared with leaves the room or gets blacklisted.
//
// Inbound sessions are pinned at their first known index and never mutate
// on decrypt; replay suppression runs off a digest cache in the store.
package group
