// Package housekeeper runs the periodic cleanup sweep: expired credential
// fields are scrubbed, backup bundles past their retention window are
// deleted, and working directories of terminal migrations are removed.
package housekeeper
