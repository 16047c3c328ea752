// Package phases implements the per-phase job handlers that move a migration
// through its pipeline: data download, backup assembly, account creation,
// repository and blob import, preferences, the identity directory update, and
// final activation.
//
// Every handler starts with the same gate: load the migration and bail out
// silently unless its status is the one the phase expects. Combined with the
// state machine's single-edge advances this makes redelivered and stale jobs
// harmless. Handlers talk to the servers through the Client interface so
// tests can substitute a fake for the wire.
package phases
