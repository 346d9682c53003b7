// Package domain holds the watchtower client data model.
//
// Ownership boundary:
// - tower identity and the tower status state machine
// - appointment, appointment status and receipt records
// - the channel update shape handed in by the host node
// - the error taxonomy shared by builder, store, registry and delivery
//
// Records here are plain values. The store is the system of record; every
// other holder of these values keeps a derived copy.
package domain
