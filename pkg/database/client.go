// Package database provides the task index database client. sqlite is the
// default backend (a tasks.db file under the context base directory);
// postgres is supported for multi-host deployments. Schema management uses
// embedded golang-migrate migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "github.com/mattn/go-sqlite3"    // sqlite3 database/sql driver

	"github.com/codeready-toolchain/codebot/pkg/config"
)

// Driver names accepted by the config.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Client wraps the sql.DB together with the dialect it speaks.
type Client struct {
	db     *sql.DB
	driver string
}

// DB returns the underlying connection pool.
func (c *Client) DB() *sql.DB { return c.db }

// Driver returns the active driver name.
func (c *Client) Driver() string { return c.driver }

// Close closes the connection pool.
func (c *Client) Close() error { return c.db.Close() }

// New opens the index database, configures pooling, and applies pending
// migrations.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case DriverSQLite:
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", mkErr)
		}
		// WAL lets the producer read while a consumer writes; the busy
		// timeout covers short lock contention between processes.
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", cfg.Path)
		db, err = sql.Open("sqlite3", dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{db: db, driver: cfg.Driver}
	if err := client.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return client, nil
}

// Rebind converts ?-style placeholders to the dialect's form. Hand-written
// queries in the services and broker packages are written with ? and rebound
// here, so the same SQL serves both backends.
func (c *Client) Rebind(query string) string {
	if c.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
