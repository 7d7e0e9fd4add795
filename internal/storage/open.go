package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	logx "upscalerbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

type Option func(*sqlStore)

// WithClock overrides the time source used for join timestamps and the stats window.
func WithClock(now func() time.Time) Option {
	return func(s *sqlStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects, verifies the connection and creates the schema if absent.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	d, dsn, err := resolveDriver(cfg)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d {
	case dialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(max(1, maxOpen/2))
		if cfg.ConnLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnLifetime)
		}
	default:
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite prefers a single writer; one connection also keeps :memory: databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	st := &sqlStore{db: db, dialect: d, log: log, now: time.Now}
	for _, o := range opts {
		o(st)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}

	if d == dialectSQLite {
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		_, _ = db.ExecContext(pctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
		_, _ = db.ExecContext(pctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(pctx, "PRAGMA synchronous = NORMAL")
	}

	if err := st.migrate(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage ready", logx.String("driver", d.String()))
	return st, nil
}

// resolveDriver picks the dialect and returns the DSN in the form its driver expects.
func resolveDriver(cfg Config) (dialect, string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return 0, "", errors.New("storage dsn is required")
	}
	lower := strings.ToLower(dsn)

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "pgx":
		return dialectPostgres, dsn, nil
	case "sqlite":
		return dialectSQLite, trimSQLiteScheme(dsn), nil
	case "":
	default:
		return 0, "", errors.New("unknown storage driver: " + cfg.Driver)
	}

	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return dialectPostgres, dsn, nil
	}
	return dialectSQLite, trimSQLiteScheme(dsn), nil
}

func trimSQLiteScheme(dsn string) string {
	for _, p := range []string{"sqlite3://", "sqlite://", "sqlite3:", "sqlite:"} {
		if len(dsn) >= len(p) && strings.EqualFold(dsn[:len(p)], p) {
			return dsn[len(p):]
		}
	}
	return dsn
}

func ensureSQLiteDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
