// Package protocol owns the framed message contract.
//
// Ownership boundary:
// - frame: 4-byte kind, 16-byte id, JSON payload
// - msgid: identifier generation and validation
// - kind: kind code to decoder registry
// - schema/validate: payload decoding against registered shapes
// - dispatch: per-kind handlers and ordered streams
//
// Bus composes these for hosts. Transports, persistence and per-kind
// business logic live outside this tree.
package protocol
