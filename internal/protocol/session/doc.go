// Package session tracks outbound requests that await a correlated response.
//
// Ownership boundary:
// - pending requests keyed by message id
// - resend scheduling and backoff
//
// Resends always reuse the original message id.
package session
