package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

// Store persists decisions, call records, and aggregate points.
// Persistence is optional: a nil Store is a valid configuration and
// storage failures never stop the pipeline.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveCallRecord(ctx context.Context, rec model.CallRecord) error
	SaveDecision(ctx context.Context, decision model.OutreachDecision) error
	SaveAggregate(ctx context.Context, point model.AggregatePoint) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}
