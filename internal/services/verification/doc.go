// Package verification runs interactive device verification flows.
//
// Both variants share one state machine: Created, Requested, Ready,
// KeysExchanged, MacExchanged, Done, with Cancelled reachable from any
// non-terminal state. The SAS variant exchanges ephemeral keys under a
// commit-then-reveal scheme and has both humans compare a short code; the
// QR variant moves the shared secret through the scanned code and jumps
// straight to the MAC exchange. Either way the outcome lands in the trust
// tables, and a finished flow never moves again.
package verification
