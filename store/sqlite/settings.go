package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MrEthical07/gatekeeper"
)

var _ gatekeeper.SettingsStore = (*DB)(nil)

// Setting fetches a single key. ok is false when the key was never set.
func (d *DB) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	return "", false, err
}

// SetSetting upserts key.
func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("setting key is required")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO settings(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, d.nowUnix())
	return err
}
