// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"marketplace-engine/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient owns the connection pool to the authoritative store.
// Callers that run their own queries take the pool via GetDB; the client
// itself only handles lifecycle and health.
type PostgresClient struct {
	DB *sql.DB
}

// NewPostgres opens a pool against the configured database. The
// connection is lazy; pair with Ping to verify reachability at startup.
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// Ping verifies the database is reachable.
func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (c *PostgresClient) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// GetDB exposes the pool for the store, settlement and contact layers.
func (c *PostgresClient) GetDB() *sql.DB {
	return c.DB
}
