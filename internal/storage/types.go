package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "postgres" (alias "pgx"): PostgreSQL through pgx's database/sql driver
//   - "sqlite": SQLite file or in-memory database
//
// If Driver is empty it is inferred from DSN.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	ConnLifetime time.Duration
	PingTimeout  time.Duration
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
}

// Account is one registered user.
type Account struct {
	ID        int64
	Username  string
	FirstName string
	Joined    time.Time
	Active    bool
}

type Stats struct {
	Total  int
	Active int
	New24h int
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	ActorID  int64
	Action   string
	Target   string
	OK       int
	Fail     int
	Error    string
	TookMS   int64
	MetaJSON string
}

// Registry is the account directory.
// Every call reads or writes the database; nothing is cached.
type Registry interface {
	// Upsert inserts the account or refreshes handle/name and re-activates it.
	Upsert(ctx context.Context, id int64, username, firstName string) (Account, error)
	// ListActive returns active ids ordered by join time (oldest first).
	ListActive(ctx context.Context) ([]int64, error)
	// Deactivate flips the account to inactive. Unknown ids are a no-op.
	Deactivate(ctx context.Context, id int64) error
	Stats(ctx context.Context) (Stats, error)
	// Export returns every account ordered by join time (newest first).
	Export(ctx context.Context) ([]Account, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the persistence API used by the app.
type Store interface {
	Registry
	AuditLog
	Ping(ctx context.Context) error
	Close() error
}
