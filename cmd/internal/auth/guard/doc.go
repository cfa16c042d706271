// Package guard decides admin-area access.
//
// A check moves from checking to exactly one of authorized or unauthorized.
// The session token carries a cached role that only gates whether a
// directory round-trip happens at all; the directory's answer always wins
// over the cached value.
package guard
