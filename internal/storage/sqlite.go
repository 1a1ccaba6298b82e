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
	"time"

	"beesense/internal/escalation"
	logx "beesense/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", sqliteDSN(path, cfg.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

// sqliteDSN carries the pragmas in the DSN so every new connection gets them.
func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema_sqlite.sql")
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

func (s *sqliteStore) Get(ctx context.Context, entity string) (escalation.State, bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return escalation.State{}, false, err
	}
	var ms int64
	var sev string
	err = s.db.QueryRowContext(ctx,
		`SELECT last_notified_at, severity FROM escalation_state WHERE entity_id = ?`, entity,
	).Scan(&ms, &sev)
	if errors.Is(err, sql.ErrNoRows) {
		return escalation.State{}, false, nil
	}
	if err != nil {
		return escalation.State{}, false, err
	}
	return decodeState(ms, sev)
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, entity string, prev, next *escalation.State) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	now := s.now().UnixMilli()

	var res sql.Result
	switch {
	case prev == nil && next == nil:
		_, ok, err := s.Get(ctx, entity)
		return !ok, err
	case prev == nil:
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO escalation_state(entity_id, last_notified_at, severity, updated_at)
			 VALUES(?,?,?,?) ON CONFLICT(entity_id) DO NOTHING`,
			entity, next.LastNotifiedAt.UnixMilli(), next.Severity.String(), now)
	case next == nil:
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM escalation_state WHERE entity_id = ? AND last_notified_at = ? AND severity = ?`,
			entity, prev.LastNotifiedAt.UnixMilli(), prev.Severity.String())
	default:
		res, err = s.db.ExecContext(ctx,
			`UPDATE escalation_state SET last_notified_at = ?, severity = ?, updated_at = ?
			 WHERE entity_id = ? AND last_notified_at = ? AND severity = ?`,
			next.LastNotifiedAt.UnixMilli(), next.Severity.String(), now,
			entity, prev.LastNotifiedAt.UnixMilli(), prev.Severity.String())
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Put(ctx context.Context, entity string, st escalation.State) error {
	entity, err := normEntity(entity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escalation_state(entity_id, last_notified_at, severity, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(entity_id) DO UPDATE SET
		   last_notified_at = excluded.last_notified_at,
		   severity = excluded.severity,
		   updated_at = excluded.updated_at`,
		entity, st.LastNotifiedAt.UnixMilli(), st.Severity.String(), s.now().UnixMilli())
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, entity string) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM escalation_state WHERE entity_id = ?`, entity)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, last_notified_at, severity, updated_at FROM escalation_state ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id       string
			ms, upd  int64
			severity string
		)
		if err := rows.Scan(&id, &ms, &severity, &upd); err != nil {
			return nil, err
		}
		st, _, err := decodeState(ms, severity)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", id, err)
		}
		out = append(out, Record{Entity: id, State: st, UpdatedAt: time.UnixMilli(upd)})
	}
	return out, rows.Err()
}

func decodeState(ms int64, severity string) (escalation.State, bool, error) {
	sev, err := escalation.ParseSeverity(severity)
	if err != nil {
		return escalation.State{}, false, err
	}
	return escalation.State{LastNotifiedAt: time.UnixMilli(ms), Severity: sev}, true, nil
}
