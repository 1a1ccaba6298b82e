package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"beesense/internal/escalation"
	logx "beesense/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

var pgStatements = map[string]string{
	"state_get":        `SELECT last_notified_at, severity FROM escalation_state WHERE entity_id = $1`,
	"state_insert":     `INSERT INTO escalation_state(entity_id, last_notified_at, severity, updated_at) VALUES($1,$2,$3,$4) ON CONFLICT(entity_id) DO NOTHING`,
	"state_update":     `UPDATE escalation_state SET last_notified_at = $2, severity = $3, updated_at = $4 WHERE entity_id = $1 AND last_notified_at = $5 AND severity = $6`,
	"state_cas_delete": `DELETE FROM escalation_state WHERE entity_id = $1 AND last_notified_at = $2 AND severity = $3`,
	"state_put":        `INSERT INTO escalation_state(entity_id, last_notified_at, severity, updated_at) VALUES($1,$2,$3,$4) ON CONFLICT(entity_id) DO UPDATE SET last_notified_at = EXCLUDED.last_notified_at, severity = EXCLUDED.severity, updated_at = EXCLUDED.updated_at`,
	"state_delete":     `DELETE FROM escalation_state WHERE entity_id = $1`,
	"state_list":       `SELECT entity_id, last_notified_at, severity, updated_at FROM escalation_state ORDER BY entity_id`,
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// The schema has to exist before statements referencing it can be prepared.
	if err := migratePostgres(ctx, poolCfg.ConnConfig); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, q := range pgStatements {
			if _, err := conn.Prepare(ctx, name, q); err != nil {
				return fmt.Errorf("prepare %q: %w", name, err)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{pool: pool, log: log, now: time.Now}, nil
}

func migratePostgres(ctx context.Context, cc *pgx.ConnConfig) error {
	b, err := schemaFS.ReadFile("schema_postgres.sql")
	if err != nil {
		return err
	}
	conn, err := pgx.ConnectConfig(ctx, cc.Copy())
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	_, err = conn.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Get(ctx context.Context, entity string) (escalation.State, bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return escalation.State{}, false, err
	}
	var ms int64
	var sev string
	err = s.pool.QueryRow(ctx, "state_get", entity).Scan(&ms, &sev)
	if errors.Is(err, pgx.ErrNoRows) {
		return escalation.State{}, false, nil
	}
	if err != nil {
		return escalation.State{}, false, err
	}
	return decodeState(ms, sev)
}

func (s *postgresStore) CompareAndSwap(ctx context.Context, entity string, prev, next *escalation.State) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	now := s.now().UnixMilli()

	var affected int64
	switch {
	case prev == nil && next == nil:
		_, ok, err := s.Get(ctx, entity)
		return !ok, err
	case prev == nil:
		tag, err := s.pool.Exec(ctx, "state_insert", entity, next.LastNotifiedAt.UnixMilli(), next.Severity.String(), now)
		if err != nil {
			return false, err
		}
		affected = tag.RowsAffected()
	case next == nil:
		tag, err := s.pool.Exec(ctx, "state_cas_delete", entity, prev.LastNotifiedAt.UnixMilli(), prev.Severity.String())
		if err != nil {
			return false, err
		}
		affected = tag.RowsAffected()
	default:
		tag, err := s.pool.Exec(ctx, "state_update", entity,
			next.LastNotifiedAt.UnixMilli(), next.Severity.String(), now,
			prev.LastNotifiedAt.UnixMilli(), prev.Severity.String())
		if err != nil {
			return false, err
		}
		affected = tag.RowsAffected()
	}
	return affected == 1, nil
}

func (s *postgresStore) Put(ctx context.Context, entity string, st escalation.State) error {
	entity, err := normEntity(entity)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, "state_put", entity, st.LastNotifiedAt.UnixMilli(), st.Severity.String(), s.now().UnixMilli())
	return err
}

func (s *postgresStore) Delete(ctx context.Context, entity string) (bool, error) {
	entity, err := normEntity(entity)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, "state_delete", entity)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, "state_list")
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
