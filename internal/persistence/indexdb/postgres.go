package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

type PostgresConfig struct {
	DSN string
	// ConnectTimeout bounds the ping retries at startup.
	ConnectTimeout time.Duration
	Logger         *log.Logger
}

// OpenPostgres connects with exponential backoff until the server answers
// or ConnectTimeout elapses.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Index, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = cfg.ConnectTimeout
	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}
	notify := func(err error, wait time.Duration) {
		if cfg.Logger != nil {
			cfg.Logger.Printf("index postgres: ping failed (%v), retrying in %s", err, wait)
		}
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(b, ctx), notify); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := initSchema(db, dialectPostgres); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newIndex(db, dialectPostgres, defaultQueueSize), nil
}
