// Package storage is the durable account registry.
//
// It keeps:
//   - The users table (id, handle, name, join time, reachability)
//   - An append-only audit log of operator actions
//
// Both PostgreSQL (pgx) and SQLite (modernc) are served by one database/sql
// implementation; queries are written with '?' and rebound per dialect.
package storage
