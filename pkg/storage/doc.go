// Package storage provides the persistence layer for migrations and the
// durable job queue, backed by BoltDB.
//
// Migrations are stored as JSON values keyed by ID, with a secondary
// token-to-ID index. Jobs live in a single bucket whose key encodes
// (priority, run-at, id) so a cursor scan yields dispatch order without a
// separate index.
package storage
