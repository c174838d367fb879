package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DB wraps the embedded SQLite store. The pipeline holds exactly one
// connection per run; everything downstream is set-based SQL on it.
type DB struct {
	SQL  *sql.DB
	path string
	log  *logrus.Logger
}

// Open creates (if needed) and opens the embedded database file.
func Open(path string, logger *logrus.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One writer at a time; the run model is strictly sequential.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"path": path,
	}).Info("Embedded database opened")

	return &DB{SQL: db, path: path, log: logger}, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Health checks the database connection health
func (db *DB) Health(ctx context.Context) error {
	return db.SQL.PingContext(ctx)
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.SQL == nil {
		return nil
	}
	err := db.SQL.Close()
	if err == nil {
		db.log.Info("Embedded database closed")
	}
	return err
}
