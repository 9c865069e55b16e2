package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper"
)

const accountColumns = `id, name, email, role, status,
certificate_fingerprint, certificate_subject, certificate_serial, certificate_valid_to, tax_id,
permissions,
password_hash, previous_password_hash, password_updated_at, failed_login_attempts, locked_until,
totp_secret, totp_enabled, totp_confirmed_at,
session_token, session_forced_at, session_ip, session_location, session_user_agent, session_started_at,
last_login_at, last_seen_at,
access_start_minutes, access_end_minutes, require_known_device,
approved_at, approved_by, created_at, updated_at`

var _ gatekeeper.AccountStore = (*Accounts)(nil)

// Accounts is the gatekeeper.AccountStore view of a DB.
type Accounts struct {
	db *DB
}

// Accounts returns the account store backed by d.
func (d *DB) Accounts() *Accounts { return &Accounts{db: d} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*gatekeeper.Account, error) {
	var (
		a                                         gatekeeper.Account
		email, subject, serial, taxID             sql.NullString
		hash, prevHash, totpSecret, token         sql.NullString
		sessIP, sessLoc, sessUA, approvedBy       sql.NullString
		validTo, pwUpdated, locked, totpConfirmed sql.NullInt64
		forced, started, lastLogin, lastSeen      sql.NullInt64
		startMin, endMin, approvedAt              sql.NullInt64
		permissions                               string
		totpEnabled, requireDevice                int
		role, status                              string
	)
	err := row.Scan(&a.ID, &a.Name, &email, &role, &status,
		&a.CertificateFingerprint, &subject, &serial, &validTo, &taxID,
		&permissions,
		&hash, &prevHash, &pwUpdated, &a.FailedLoginAttempts, &locked,
		&totpSecret, &totpEnabled, &totpConfirmed,
		&token, &forced, &sessIP, &sessLoc, &sessUA, &started,
		&lastLogin, &lastSeen,
		&startMin, &endMin, &requireDevice,
		&approvedAt, &approvedBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatekeeper.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Email = email.String
	a.Role = gatekeeper.Role(role)
	a.Status = gatekeeper.AccountStatus(status)
	a.CertificateSubject = subject.String
	a.CertificateSerial = serial.String
	a.CertificateValidTo = validTo.Int64
	a.TaxID = taxID.String
	if err := json.Unmarshal([]byte(permissions), &a.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions of account %d: %w", a.ID, err)
	}
	a.PasswordHash = hash.String
	a.PreviousPasswordHash = prevHash.String
	a.PasswordUpdatedAt = pwUpdated.Int64
	a.LockedUntil = locked.Int64
	a.TOTPSecret = totpSecret.String
	a.TOTPEnabled = totpEnabled != 0
	a.TOTPConfirmedAt = totpConfirmed.Int64
	a.SessionToken = token.String
	a.SessionForcedAt = forced.Int64
	a.SessionIP = sessIP.String
	a.SessionLocation = sessLoc.String
	a.SessionUserAgent = sessUA.String
	a.SessionStartedAt = started.Int64
	a.LastLoginAt = lastLogin.Int64
	a.LastSeenAt = lastSeen.Int64
	a.AccessStartMinutes = minutesFrom(startMin)
	a.AccessEndMinutes = minutesFrom(endMin)
	a.RequireKnownDevice = requireDevice != 0
	a.ApprovedAt = approvedAt.Int64
	a.ApprovedBy = approvedBy.String
	return &a, nil
}

func encodePermissions(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Accounts) findAccount(ctx context.Context, where string, arg any) (*gatekeeper.Account, error) {
	row := s.db.sql.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE "+where+" ORDER BY id LIMIT 1", arg)
	return scanAccount(row)
}

func (s *Accounts) FindByID(ctx context.Context, id int64) (*gatekeeper.Account, error) {
	return s.findAccount(ctx, "id = ?", id)
}

func (s *Accounts) FindByEmail(ctx context.Context, email string) (*gatekeeper.Account, error) {
	if email == "" {
		return nil, gatekeeper.ErrAccountNotFound
	}
	return s.findAccount(ctx, "email = ?", email)
}

// FindByFingerprint looks an account up by certificate fingerprint.
func (s *Accounts) FindByFingerprint(ctx context.Context, fingerprint string) (*gatekeeper.Account, error) {
	if fingerprint == "" {
		return nil, gatekeeper.ErrAccountNotFound
	}
	return s.findAccount(ctx, "certificate_fingerprint = ?", fingerprint)
}

func (s *Accounts) FindByTaxID(ctx context.Context, taxID string) (*gatekeeper.Account, error) {
	if taxID == "" {
		return nil, gatekeeper.ErrAccountNotFound
	}
	return s.findAccount(ctx, "tax_id = ?", taxID)
}

// Create inserts every column of a, credentials included, and returns the
// new id.
func (s *Accounts) Create(ctx context.Context, a *gatekeeper.Account) (int64, error) {
	perms, err := encodePermissions(a.Permissions)
	if err != nil {
		return 0, err
	}
	created := s.db.orNow(a.CreatedAt)
	updated := a.UpdatedAt
	if updated == 0 {
		updated = created
	}

	res, err := s.db.sql.ExecContext(ctx, `
INSERT INTO accounts(`+accountColumns[len("id, "):]+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		a.Name, nullString(a.Email), string(a.Role), string(a.Status),
		a.CertificateFingerprint, nullString(a.CertificateSubject), nullString(a.CertificateSerial), nullInt(a.CertificateValidTo), nullString(a.TaxID),
		perms,
		nullString(a.PasswordHash), nullString(a.PreviousPasswordHash), nullInt(a.PasswordUpdatedAt), a.FailedLoginAttempts, nullInt(a.LockedUntil),
		nullString(a.TOTPSecret), boolToInt(a.TOTPEnabled), nullInt(a.TOTPConfirmedAt),
		nullString(a.SessionToken), nullInt(a.SessionForcedAt), nullString(a.SessionIP), nullString(a.SessionLocation), nullString(a.SessionUserAgent), nullInt(a.SessionStartedAt),
		nullInt(a.LastLoginAt), nullInt(a.LastSeenAt),
		nullMinutes(a.AccessStartMinutes), nullMinutes(a.AccessEndMinutes), boolToInt(a.RequireKnownDevice),
		nullInt(a.ApprovedAt), nullString(a.ApprovedBy), created, updated,
	)
	if err != nil {
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return res.LastInsertId()
}

// Update writes the profile columns of a. Credentials, lockout, TOTP and
// session token columns have dedicated setters and are left untouched.
func (s *Accounts) Update(ctx context.Context, a *gatekeeper.Account) error {
	perms, err := encodePermissions(a.Permissions)
	if err != nil {
		return err
	}
	res, err := s.db.sql.ExecContext(ctx, `
UPDATE accounts SET
  name=?, email=?, role=?, status=?,
  certificate_fingerprint=?, certificate_subject=?, certificate_serial=?, certificate_valid_to=?, tax_id=?,
  permissions=?,
  access_start_minutes=?, access_end_minutes=?, require_known_device=?,
  approved_at=?, approved_by=?, updated_at=?
WHERE id=?
`,
		a.Name, nullString(a.Email), string(a.Role), string(a.Status),
		a.CertificateFingerprint, nullString(a.CertificateSubject), nullString(a.CertificateSerial), nullInt(a.CertificateValidTo), nullString(a.TaxID),
		perms,
		nullMinutes(a.AccessStartMinutes), nullMinutes(a.AccessEndMinutes), boolToInt(a.RequireKnownDevice),
		nullInt(a.ApprovedAt), nullString(a.ApprovedBy), s.db.orNow(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.ID, err)
	}
	return expectRow(res, gatekeeper.ErrAccountNotFound)
}

func (s *Accounts) CountActiveAdmins(ctx context.Context) (int, error) {
	var n int
	err := s.db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE role = ? AND status = ?`,
		string(gatekeeper.RoleAdmin), string(gatekeeper.StatusActive)).Scan(&n)
	return n, err
}

func (s *Accounts) SetLoginAttempts(ctx context.Context, id int64, attempts int, lockedUntil int64) error {
	return s.execAccount(ctx, id, `UPDATE accounts SET failed_login_attempts=?, locked_until=? WHERE id=?`,
		attempts, nullInt(lockedUntil), id)
}

func (s *Accounts) SetPasswordHash(ctx context.Context, id int64, hash, previousHash string, updatedAt int64) error {
	return s.execAccount(ctx, id, `UPDATE accounts SET password_hash=?, previous_password_hash=?, password_updated_at=? WHERE id=?`,
		nullString(hash), nullString(previousHash), nullInt(updatedAt), id)
}

func (s *Accounts) SetTOTP(ctx context.Context, id int64, secret string, enabled bool, confirmedAt int64) error {
	return s.execAccount(ctx, id, `UPDATE accounts SET totp_secret=?, totp_enabled=?, totp_confirmed_at=? WHERE id=?`,
		nullString(secret), boolToInt(enabled), nullInt(confirmedAt), id)
}

// SetSessionToken overwrites the token unconditionally.
func (s *Accounts) SetSessionToken(ctx context.Context, id int64, token string, forcedAt int64) error {
	return s.execAccount(ctx, id, `UPDATE accounts SET session_token=?, session_forced_at=? WHERE id=?`,
		nullString(token), nullInt(forcedAt), id)
}

// ClearSessionToken clears the token in one statement guarded by the expected
// value, so a concurrent login that already replaced it is left alone.
func (s *Accounts) ClearSessionToken(ctx context.Context, id int64, expected string, forcedAt int64) (bool, error) {
	res, err := s.db.sql.ExecContext(ctx,
		`UPDATE accounts SET session_token=NULL, session_forced_at=? WHERE id=? AND IFNULL(session_token, '') = ?`,
		nullInt(forcedAt), id, expected)
	if err != nil {
		return false, fmt.Errorf("clear session token of account %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Accounts) RecordLogin(ctx context.Context, id int64, meta gatekeeper.SessionMetadata) error {
	return s.execAccount(ctx, id, `
UPDATE accounts SET session_ip=?, session_location=?, session_user_agent=?, session_started_at=?, last_login_at=?
WHERE id=?`,
		nullString(meta.IP), nullString(meta.Location), nullString(meta.UserAgent), nullInt(meta.StartedAt), nullInt(meta.StartedAt), id)
}

func (s *Accounts) TouchLastSeen(ctx context.Context, id int64, at int64) error {
	return s.execAccount(ctx, id, `UPDATE accounts SET last_seen_at=? WHERE id=?`, at, id)
}

func (s *Accounts) execAccount(ctx context.Context, id int64, query string, args ...any) error {
	res, err := s.db.sql.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update account %d: %w", id, err)
	}
	return expectRow(res, gatekeeper.ErrAccountNotFound)
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
