// Package timer owns retry and timeout scheduling for connections.
//
// Ownership boundary:
// - timer keys and per-connection generations
// - production and manual schedulers
// - retry backoff
//
// A Key names (connection, purpose, generation). Re-arming a purpose bumps its
// generation, so a firing that was already in flight when the timer was
// superseded or cancelled is recognized as stale by Set.Live and ignored.
package timer
