package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is a SQLite database holding accounts, devices, certificate access
// requests and settings. Accounts, Devices and AccessRequests return the
// engine store views; DB itself is the gatekeeper.SettingsStore.
type DB struct {
	sql *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	s, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	s.SetMaxOpenConns(1)
	s.SetMaxIdleConns(1)
	s.SetConnMaxLifetime(0)

	db := &DB{sql: s, now: time.Now}
	if err := db.ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := db.setPragmas(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := Migrate(ctx, s); err != nil {
		_ = s.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping reports whether the database answers.
func (d *DB) Ping(ctx context.Context) error {
	return d.ping(ctx)
}

func (d *DB) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return d.sql.PingContext(ctx)
}

func (d *DB) setPragmas(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return err
	}
	_, err := d.sql.ExecContext(ctx, "PRAGMA foreign_keys = ON;")
	return err
}

func (d *DB) nowUnix() int64 { return d.now().Unix() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString stores empty strings as NULL so unique indexes ignore them.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt stores zero timestamps as NULL.
func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullMinutes(m *int) any {
	if m == nil {
		return nil
	}
	return *m
}

func minutesFrom(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	m := int(v.Int64)
	return &m
}

// orNow returns t, or the store clock when t is unset.
func (d *DB) orNow(t int64) int64 {
	if t > 0 {
		return t
	}
	return d.nowUnix()
}
