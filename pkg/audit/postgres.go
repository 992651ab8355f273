package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escalation_audit (
	id         TEXT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	tier       TEXT NOT NULL,
	tier_id    TEXT NOT NULL,
	hub_id     TEXT NOT NULL DEFAULT '',
	mid_id     TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	steps      INTEGER NOT NULL DEFAULT 0,
	rules      TEXT[] NOT NULL DEFAULT '{}',
	error      TEXT NOT NULL DEFAULT '',
	metadata   JSONB
);
CREATE INDEX IF NOT EXISTS escalation_audit_ts_idx ON escalation_audit (ts DESC);
CREATE INDEX IF NOT EXISTS escalation_audit_hub_idx ON escalation_audit (hub_id, ts DESC);
`

// eventColumns matches the db tags on Event
const eventColumns = "id, ts, tier, tier_id, hub_id, mid_id, request_id, reason, outcome, steps, rules, error, metadata"

const insertSQL = `INSERT INTO escalation_audit (` + eventColumns + `)
VALUES (@id, @ts, @tier, @tier_id, @hub_id, @mid_id, @request_id, @reason, @outcome, @steps, @rules, @error, @metadata)
ON CONFLICT (id) DO NOTHING`

// defaultRecentLimit applies when Recent is called without a limit
const defaultRecentLimit = 100

// PostgresStore persists audit events in the escalation_audit table.
// Log is idempotent on event ID.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the table if needed
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit: parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audit: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: database unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("audit: nil event")
	}
	stamp(event)

	rules := event.Rules
	if rules == nil {
		rules = []string{}
	}
	var metadata map[string]any
	if len(event.Metadata) > 0 {
		metadata = event.Metadata
	}

	_, err := s.pool.Exec(ctx, insertSQL, pgx.NamedArgs{
		"id":         event.ID,
		"ts":         event.Timestamp,
		"tier":       event.Tier,
		"tier_id":    event.TierID,
		"hub_id":     event.HubID,
		"mid_id":     event.MidID,
		"request_id": event.RequestID,
		"reason":     event.Reason,
		"outcome":    event.Outcome,
		"steps":      event.Steps,
		"rules":      rules,
		"error":      event.Error,
		"metadata":   metadata,
	})
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", event.ID, err)
	}
	return nil
}

// Recent returns up to limit events matching filter, newest first
func (s *PostgresStore) Recent(ctx context.Context, filter *Filter, limit int) ([]*Event, error) {
	query, args := recentQuery(filter, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Event])
	if err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return events, nil
}

// recentQuery renders filter as positional conditions. The limit is
// always the last argument.
func recentQuery(filter *Filter, limit int) (string, []any) {
	var conds []string
	var args []any
	where := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}

	if f := filter; f != nil {
		if f.Tier != "" {
			where("tier = $%d", f.Tier)
		}
		if f.HubID != "" {
			where("hub_id = $%d", f.HubID)
		}
		if f.Outcome != "" {
			where("outcome = $%d", f.Outcome)
		}
		if f.StartTime != nil {
			where("ts >= $%d", *f.StartTime)
		}
		if f.EndTime != nil {
			where("ts <= $%d", *f.EndTime)
		}
	}

	q := "SELECT " + eventColumns + " FROM escalation_audit"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	args = append(args, limit)
	return q + fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args)), args
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
