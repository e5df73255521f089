package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "alarmsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; one connection
	// also serializes Update transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadScope(ctx context.Context, q querier, scope string) ([]Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT alarm_name, armed_at_ms, delay_minutes, period_minutes, due_at_ms
		   FROM active_alarms WHERE scope = ? ORDER BY position`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.AlarmName, &r.ArmedAtEpochMs, &r.Spec.DelayMinutes, &r.Spec.PeriodMinutes, &r.Spec.DueAtEpochMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Load(ctx context.Context, scope string) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return loadScope(ctx, s.db, scope)
}

// Update runs the whole read-modify-write inside one transaction.
func (s *sqliteStore) Update(ctx context.Context, scope string, fn UpdateFunc) (err error) {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := loadScope(ctx, tx, scope)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	next = dedupe(next)

	if _, err = tx.ExecContext(ctx, `DELETE FROM active_alarms WHERE scope = ?`, scope); err != nil {
		return err
	}
	for i, r := range next {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO active_alarms(scope, alarm_name, armed_at_ms, delay_minutes, period_minutes, due_at_ms, position)
			 VALUES(?,?,?,?,?,?,?)`,
			scope, r.AlarmName, r.ArmedAtEpochMs, r.Spec.DelayMinutes, r.Spec.PeriodMinutes, r.Spec.DueAtEpochMs, i,
		)
		if err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.log.Trace("ledger committed", logx.String("scope", scope), logx.Int("records", len(next)))
	return nil
}
