package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper"
)

const deviceColumns = `id, account_id, fingerprint, user_agent, created_at, approved_at, approved_by, last_seen_at, last_ip, last_location`

var _ gatekeeper.DeviceStore = (*Devices)(nil)

// Devices is the gatekeeper.DeviceStore view of a DB.
type Devices struct {
	db *DB
}

// Devices returns the device store backed by d.
func (d *DB) Devices() *Devices { return &Devices{db: d} }

func scanDevice(row rowScanner) (*gatekeeper.Device, error) {
	var (
		dev                          gatekeeper.Device
		ua, approvedBy, ip, location sql.NullString
		approvedAt, lastSeen         sql.NullInt64
	)
	err := row.Scan(&dev.ID, &dev.AccountID, &dev.Fingerprint, &ua, &dev.CreatedAt,
		&approvedAt, &approvedBy, &lastSeen, &ip, &location)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatekeeper.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	dev.UserAgent = ua.String
	dev.ApprovedAt = approvedAt.Int64
	dev.ApprovedBy = approvedBy.String
	dev.LastSeenAt = lastSeen.Int64
	dev.LastIP = ip.String
	dev.LastLocation = location.String
	return &dev, nil
}

func (s *Devices) FindByFingerprint(ctx context.Context, accountID int64, fingerprint string) (*gatekeeper.Device, error) {
	row := s.db.sql.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM account_devices WHERE account_id = ? AND fingerprint = ?", accountID, fingerprint)
	return scanDevice(row)
}

// RecordApproved upserts the device and approves it unless it already is.
func (s *Devices) RecordApproved(ctx context.Context, accountID int64, fingerprint string, seen gatekeeper.DeviceSighting, approvedBy string) (*gatekeeper.Device, error) {
	at := s.db.orNow(seen.At)
	_, err := s.db.sql.ExecContext(ctx, `
INSERT INTO account_devices(account_id, fingerprint, user_agent, created_at, updated_at, approved_at, approved_by, last_seen_at, last_ip, last_location)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, fingerprint) DO UPDATE SET
  user_agent = COALESCE(excluded.user_agent, account_devices.user_agent),
  updated_at = excluded.updated_at,
  approved_at = COALESCE(account_devices.approved_at, excluded.approved_at),
  approved_by = CASE WHEN account_devices.approved_at IS NULL THEN excluded.approved_by ELSE account_devices.approved_by END,
  last_seen_at = excluded.last_seen_at,
  last_ip = excluded.last_ip,
  last_location = excluded.last_location
`, accountID, fingerprint, nullString(seen.UserAgent), at, at, at, approvedBy, at, nullString(seen.IP), nullString(seen.Location))
	if err != nil {
		return nil, fmt.Errorf("record approved device: %w", err)
	}
	return s.FindByFingerprint(ctx, accountID, fingerprint)
}

// RecordPending upserts the device without touching its approval.
func (s *Devices) RecordPending(ctx context.Context, accountID int64, fingerprint string, seen gatekeeper.DeviceSighting) (*gatekeeper.Device, error) {
	at := s.db.orNow(seen.At)
	_, err := s.db.sql.ExecContext(ctx, `
INSERT INTO account_devices(account_id, fingerprint, user_agent, created_at, updated_at, last_seen_at, last_ip, last_location)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(account_id, fingerprint) DO UPDATE SET
  user_agent = COALESCE(excluded.user_agent, account_devices.user_agent),
  updated_at = excluded.updated_at,
  last_seen_at = excluded.last_seen_at,
  last_ip = excluded.last_ip,
  last_location = excluded.last_location
`, accountID, fingerprint, nullString(seen.UserAgent), at, at, at, nullString(seen.IP), nullString(seen.Location))
	if err != nil {
		return nil, fmt.Errorf("record pending device: %w", err)
	}
	return s.FindByFingerprint(ctx, accountID, fingerprint)
}

func (s *Devices) MarkSeen(ctx context.Context, deviceID int64, seen gatekeeper.DeviceSighting) error {
	at := s.db.orNow(seen.At)
	res, err := s.db.sql.ExecContext(ctx, `
UPDATE account_devices SET
  user_agent = COALESCE(?, user_agent),
  updated_at = ?, last_seen_at = ?, last_ip = ?, last_location = ?
WHERE id = ?
`, nullString(seen.UserAgent), at, at, nullString(seen.IP), nullString(seen.Location), deviceID)
	if err != nil {
		return fmt.Errorf("mark device %d seen: %w", deviceID, err)
	}
	return expectRow(res, gatekeeper.ErrDeviceNotFound)
}

// ListForAccount returns the account's devices, most recently seen first.
func (s *Devices) ListForAccount(ctx context.Context, accountID int64) ([]gatekeeper.Device, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM account_devices WHERE account_id = ? ORDER BY IFNULL(last_seen_at, created_at) DESC, id DESC", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gatekeeper.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dev)
	}
	return out, rows.Err()
}

// Approve marks the device approved. Approving twice keeps the first
// approval.
func (s *Devices) Approve(ctx context.Context, deviceID int64, approvedBy string, at int64) error {
	at = s.db.orNow(at)
	res, err := s.db.sql.ExecContext(ctx, `
UPDATE account_devices SET
  approved_by = CASE WHEN approved_at IS NULL THEN ? ELSE approved_by END,
  approved_at = COALESCE(approved_at, ?),
  updated_at = ?
WHERE id = ?
`, approvedBy, at, at, deviceID)
	if err != nil {
		return fmt.Errorf("approve device %d: %w", deviceID, err)
	}
	return expectRow(res, gatekeeper.ErrDeviceNotFound)
}
