// Package postgres implements the store interfaces using PostgreSQL. The
// task queue uses SELECT ... FOR UPDATE SKIP LOCKED with a visibility
// timeout, so task claims survive worker crashes as redeliveries.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store provides PostgreSQL-backed implementations of the job store and
// the durable task queue.
type Store struct {
	db         *sql.DB
	visibility time.Duration
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, visibility time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &Store{db: db, visibility: visibility}, nil
}

// NewWithDB wraps an existing database handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, visibility time.Duration) *Store {
	if visibility <= 0 {
		visibility = 15 * time.Minute
	}
	return &Store{db: db, visibility: visibility}
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
