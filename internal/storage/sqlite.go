package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"cartwatch/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:cartwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			dispatch_id TEXT,
			success INTEGER NOT NULL,
			error TEXT,
			decision_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			user_id TEXT NOT NULL,
			should_call INTEGER NOT NULL,
			confidence INTEGER NOT NULL,
			urgency TEXT NOT NULL,
			source TEXT NOT NULL,
			reasoning TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_user ON decisions(user_id)`,
		`CREATE TABLE IF NOT EXISTS aggregates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			active_users INTEGER NOT NULL,
			total_events INTEGER NOT NULL,
			avg_engagement REAL NOT NULL,
			checkout_starts INTEGER NOT NULL,
			orders_completed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aggregates_ts ON aggregates(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveCallRecord(ctx context.Context, rec model.CallRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (id, user_id, ts, dispatch_id, success, error, decision_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.UserID,
		rec.Timestamp.UTC(),
		rec.DispatchID,
		boolInt(rec.Success),
		rec.Error,
		encodeJSON(rec.Decision),
	)
	return err
}

func (s *sqliteStore) SaveDecision(ctx context.Context, decision model.OutreachDecision) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (ts, user_id, should_call, confidence, urgency, source, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decision.Timestamp.UTC(),
		decision.UserID,
		boolInt(decision.ShouldCall),
		decision.Confidence,
		string(decision.Urgency),
		string(decision.Source),
		decision.Reasoning,
	)
	return err
}

func (s *sqliteStore) SaveAggregate(ctx context.Context, point model.AggregatePoint) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregates (ts, active_users, total_events, avg_engagement, checkout_starts, orders_completed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		point.Timestamp.UTC(),
		point.ActiveUsers,
		point.TotalEvents,
		point.AverageEngagement,
		point.CheckoutStarts,
		point.OrdersCompleted,
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
