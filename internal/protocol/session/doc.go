// Package session owns the client<->tower session helpers.
//
// Ownership boundary:
// - hello/hello.ack control lines exchanged after connect
// - add_appointment request and accepted/rejected response frames
// - retry backoff and transport security policy
package session
