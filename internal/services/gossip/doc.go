// Package gossip moves keys between our own devices.
//
// When a message arrives for a session we never received, we ask our other
// devices for it. Requests fan out only to devices that are verified at the
// moment of asking, and at most one request per (room, session) is in
// flight. The answering side applies the mirror-image policy: requests from
// anything but our own verified devices are dropped without a reply, so a
// probing stranger learns nothing, not even that the session exists.
package gossip
