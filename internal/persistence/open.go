package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"SimpleBet/internal/core"
)

// OpenStateStore returns the state store named by kind ("memory", "postgres"
// or "redis"). db is required for postgres. The returned close func releases
// connections the store opened itself.
func OpenStateStore(ctx context.Context, kind, contractID string, db *sql.DB, redisAddr string) (core.StateStore, func() error, error) {
	noop := func() error { return nil }

	switch kind {
	case "memory":
		return NewMemoryStateStore(), noop, nil
	case "postgres":
		if db == nil {
			return nil, nil, fmt.Errorf("postgres store requires a database handle")
		}
		return NewPostgresStateStore(db, contractID), noop, nil
	case "redis":
		rdb, err := ConnectRedis(ctx, redisAddr)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStateStore(rdb, contractID), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state store %q", kind)
	}
}

// OpenPostgres opens and pings a pooled connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
