// Package postgres implements the store driver on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/lumichat/agentd/internal/profile"
)

//go:embed migration/LATEST.sql
var latestSchema string

// DB is the PostgreSQL implementation of store.Driver.
type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection with the profile's DSN.
func NewDB(profile *profile.Profile) (*DB, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	return &DB{db: db, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies the latest schema. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS) so re-running is safe.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, latestSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	slog.Info("database schema up to date")
	return nil
}

// placeholder returns the $n placeholder for the given 1-based index.
func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// placeholders returns "$1, $2, ..., $n".
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
