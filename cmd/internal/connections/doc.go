// Package connections implements the alumni connection-state machine:
// none -> pending -> accepted | declined.
//
// A connection row is unique per user pair regardless of who initiated it.
// Transitions out of pending are compare-and-swap operations, so two
// concurrent responses cannot both win.
package connections
