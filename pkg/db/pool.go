// Package db wraps database/sql connection pooling for the relay's
// persisted state: the node registry and the committed-event store.
// The driver is selected by name so a master can run on postgres while
// satellites and queue relays default to sqlite3.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PoolConfig configures a database connection pool.
type PoolConfig struct {
	// DSN is the database connection string. For sqlite3 this is a file
	// path; for postgres a connection URL.
	DSN string

	// DriverName selects the database/sql driver ("sqlite3" or "postgres").
	DriverName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sensible pool defaults for the given driver.
// sqlite3 gets a single writer connection; anything else gets a small
// shared pool.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	cfg := PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	if driverName == "sqlite3" {
		// sqlite serializes writers at the file level; more connections
		// only add lock contention.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

// Pool is a validated database connection pool.
type Pool struct {
	db     *sql.DB
	config PoolConfig
}

// NewPool opens a pool and verifies the connection before returning.
func NewPool(config PoolConfig) (*Pool, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("db: DSN is required")
	}
	if config.DriverName == "" {
		return nil, fmt.Errorf("db: driver name is required")
	}
	if config.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("db: MaxOpenConns must be positive")
	}
	if config.MaxIdleConns < 0 || config.MaxIdleConns > config.MaxOpenConns {
		return nil, fmt.Errorf("db: MaxIdleConns must be in [0, MaxOpenConns]")
	}

	sqlDB, err := sql.Open(config.DriverName, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", config.DriverName, err)
	}
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping %s: %w", config.DriverName, err)
	}

	return &Pool{db: sqlDB, config: config}, nil
}

// DB exposes the underlying *sql.DB.
func (p *Pool) DB() *sql.DB {
	return p.db
}

// DriverName reports which driver the pool was opened with, so callers
// can pick dialect-specific SQL where it matters.
func (p *Pool) DriverName() string {
	return p.config.DriverName
}

// Ping verifies the connection is still usable.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats returns pool statistics for metrics export.
func (p *Pool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Exec executes a statement.
func (p *Pool) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// Query executes a query returning rows.
func (p *Pool) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query returning at most one row.
func (p *Pool) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return p.db.QueryRowContext(ctx, query, args...)
}

// Close closes the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}
