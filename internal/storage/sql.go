package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"upscalerbot/internal/metrics"
	logx "upscalerbot/pkg/logx"
)

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const accountColumns = "id, username, first_name, joined, active"

func scanAccount(sc interface{ Scan(...any) error }) (Account, error) {
	var (
		a         Account
		username  sql.NullString
		firstName sql.NullString
		joined    int64
	)
	if err := sc.Scan(&a.ID, &username, &firstName, &joined, &a.Active); err != nil {
		return Account{}, err
	}
	a.Username = username.String
	a.FirstName = firstName.String
	a.Joined = time.UnixMilli(joined)
	return a, nil
}

func (s *sqlStore) Upsert(ctx context.Context, id int64, username, firstName string) (acc Account, err error) {
	defer func() { metrics.RegistryOp("upsert", err) }()
	if s == nil || s.db == nil {
		return Account{}, ErrClosed
	}
	// One statement keeps the row update atomic; joined is only set on insert.
	row := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO users (id, username, first_name, joined, active)
		 VALUES (?, ?, ?, ?, TRUE)
		 ON CONFLICT (id) DO UPDATE SET
		     username = excluded.username,
		     first_name = excluded.first_name,
		     active = TRUE
		 RETURNING `+accountColumns),
		id, nullStr(username), nullStr(firstName), s.now().UnixMilli(),
	)
	return scanAccount(row)
}

func (s *sqlStore) ListActive(ctx context.Context) (ids []int64, err error) {
	defer func() { metrics.RegistryOp("list_active", err) }()
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE active = TRUE ORDER BY joined ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) Deactivate(ctx context.Context, id int64) (err error) {
	defer func() { metrics.RegistryOp("deactivate", err) }()
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE users SET active = FALSE WHERE id = ?`), id)
	return err
}

func (s *sqlStore) Stats(ctx context.Context) (st Stats, err error) {
	defer func() { metrics.RegistryOp("stats", err) }()
	if s == nil || s.db == nil {
		return Stats{}, ErrClosed
	}
	since := s.now().Add(-24 * time.Hour).UnixMilli()
	var total, active, fresh int64
	err = s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN active THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN joined > ? THEN 1 ELSE 0 END), 0)
		 FROM users`), since,
	).Scan(&total, &active, &fresh)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Total: int(total), Active: int(active), New24h: int(fresh)}, nil
}

func (s *sqlStore) Export(ctx context.Context) (out []Account, err error) {
	defer func() { metrics.RegistryOp("export", err) }()
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM users ORDER BY joined DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO audit (at, actor_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.At.UnixMilli(), e.ActorID, e.Action, nullStr(e.Target), e.OK, e.Fail,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
