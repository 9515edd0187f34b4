// Package db opens the optional SQL fingerprint catalog and manages its schema.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Open connects to the catalog. driver is "sqlite" or "pgx".
func Open(ctx context.Context, driver, connection string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite":
		// Strip DSN options before treating the connection as a file path
		dir := filepath.Dir(strings.SplitN(connection, "?", 2)[0])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := sqlx.Open(driver, connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	if driver == "sqlite" {
		// One writer at a time; WAL readers share the file
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	slog.Info("catalog database connected", "driver", driver)
	return db, nil
}

func Close(db *sqlx.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
