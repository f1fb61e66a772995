package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cartwatch/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/cartwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			dispatch_id TEXT,
			success BOOLEAN NOT NULL,
			error TEXT,
			decision_json JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL,
			should_call BOOLEAN NOT NULL,
			confidence INTEGER NOT NULL,
			urgency TEXT NOT NULL,
			source TEXT NOT NULL,
			reasoning TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_user ON decisions(user_id)`,
		`CREATE TABLE IF NOT EXISTS aggregates (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			active_users INTEGER NOT NULL,
			total_events BIGINT NOT NULL,
			avg_engagement DOUBLE PRECISION NOT NULL,
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

func (s *postgresStore) SaveCallRecord(ctx context.Context, rec model.CallRecord) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records (id, user_id, ts, dispatch_id, success, error, decision_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID,
		rec.UserID,
		rec.Timestamp.UTC(),
		rec.DispatchID,
		rec.Success,
		rec.Error,
		encodeJSON(rec.Decision),
	)
	return err
}

func (s *postgresStore) SaveDecision(ctx context.Context, decision model.OutreachDecision) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (ts, user_id, should_call, confidence, urgency, source, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		decision.Timestamp.UTC(),
		decision.UserID,
		decision.ShouldCall,
		decision.Confidence,
		string(decision.Urgency),
		string(decision.Source),
		decision.Reasoning,
	)
	return err
}

func (s *postgresStore) SaveAggregate(ctx context.Context, point model.AggregatePoint) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO aggregates (ts, active_users, total_events, avg_engagement, checkout_starts, orders_completed)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		point.Timestamp.UTC(),
		point.ActiveUsers,
		point.TotalEvents,
		point.AverageEngagement,
		point.CheckoutStarts,
		point.OrdersCompleted,
	)
	return err
}
