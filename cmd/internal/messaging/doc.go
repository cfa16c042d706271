// Package messaging implements AlumNode's conversation and message core:
// conversation resolution for user pairs, append-only message history,
// read-state reconciliation, and the realtime change feed with a
// client-side sync bridge.
//
// Persistence sits behind small store interfaces with an in-memory
// implementation for dev/tests and a PostgreSQL implementation for
// production.
package messaging
