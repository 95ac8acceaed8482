// Package db wraps Postgres access for the ingestion backend. It uses
// database/sql over the pgx stdlib driver with sqlx for scanning,
// following the same stack jordigilh-kubernaut's datastorage layer
// uses (pgx/v5 + jmoiron/sqlx, migrated off lib/pq).
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store wraps a pooled *sqlx.DB and exposes the ingestion backend's
// query surface.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to Postgres using the pgx stdlib driver.
func Open(dsn string, log zerolog.Logger) (*Store, error) {
	sdb, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	sdb.SetMaxOpenConns(25)
	sdb.SetMaxIdleConns(10)
	sdb.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: sdb, log: log.With().Str("component", "db").Logger()}, nil
}

// NewWithDB wraps an already-open *sqlx.DB, used by tests with
// DATA-DOG/go-sqlmock.
func NewWithDB(sdb *sqlx.DB, log zerolog.Logger) *Store {
	return &Store{db: sdb, log: log}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
