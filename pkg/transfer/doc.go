// Package transfer moves an enumerated blob set between two servers.
//
// Two modes exist. Streamed mode is strictly sequential with one blob
// resident at a time and is used when no backup bundle is kept. Two-phase
// mode downloads everything to disk with a fixed worker pool and uploads
// from disk in a later phase, which is what makes a backup bundle possible.
// In both modes a blob that exhausts its retry budget is recorded in the
// failed set without failing the phase.
package transfer
