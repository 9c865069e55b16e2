package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper"
)

const requestColumns = `id, tax_id, name, certificate_subject, certificate_fingerprint, certificate_serial,
certificate_valid_from, certificate_valid_to, raw_certificate, status, reason, decided_at, decided_by, created_at, updated_at`

var _ gatekeeper.AccessRequestStore = (*AccessRequests)(nil)

// AccessRequests is the gatekeeper.AccessRequestStore view of a DB.
type AccessRequests struct {
	db *DB
}

// AccessRequests returns the certificate enrollment queue backed by d.
func (d *DB) AccessRequests() *AccessRequests { return &AccessRequests{db: d} }

func scanRequest(row rowScanner) (*gatekeeper.CertificateAccessRequest, error) {
	var (
		r                               gatekeeper.CertificateAccessRequest
		taxID, name, serial, reason, by sql.NullString
		validFrom, validTo, decidedAt   sql.NullInt64
		status                          string
	)
	err := row.Scan(&r.ID, &taxID, &name, &r.Subject, &r.Fingerprint, &serial,
		&validFrom, &validTo, &r.PEM, &status, &reason, &decidedAt, &by, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatekeeper.ErrAccessRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TaxID = taxID.String
	r.Name = name.String
	r.Serial = serial.String
	r.ValidFrom = validFrom.Int64
	r.ValidTo = validTo.Int64
	r.Status = gatekeeper.AccessRequestStatus(status)
	r.Reason = reason.String
	r.DecidedAt = decidedAt.Int64
	r.DecidedBy = by.String
	return &r, nil
}

func (s *AccessRequests) Find(ctx context.Context, id int64) (*gatekeeper.CertificateAccessRequest, error) {
	row := s.db.sql.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM certificate_access_requests WHERE id = ?", id)
	return scanRequest(row)
}

func (s *AccessRequests) FindByFingerprint(ctx context.Context, fingerprint string) (*gatekeeper.CertificateAccessRequest, error) {
	row := s.db.sql.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM certificate_access_requests WHERE certificate_fingerprint = ?", fingerprint)
	return scanRequest(row)
}

// UpsertPending queues req. A row with the same fingerprint keeps its id and
// creation time and is reset to pending with the decision cleared.
func (s *AccessRequests) UpsertPending(ctx context.Context, req gatekeeper.CertificateAccessRequest) (*gatekeeper.CertificateAccessRequest, error) {
	if req.Fingerprint == "" {
		return nil, errors.New("access request fingerprint is required")
	}
	at := s.db.orNow(req.UpdatedAt)
	_, err := s.db.sql.ExecContext(ctx, `
INSERT INTO certificate_access_requests(tax_id, name, certificate_subject, certificate_fingerprint, certificate_serial,
  certificate_valid_from, certificate_valid_to, raw_certificate, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(certificate_fingerprint) DO UPDATE SET
  tax_id = excluded.tax_id,
  name = excluded.name,
  certificate_subject = excluded.certificate_subject,
  certificate_serial = excluded.certificate_serial,
  certificate_valid_from = excluded.certificate_valid_from,
  certificate_valid_to = excluded.certificate_valid_to,
  raw_certificate = excluded.raw_certificate,
  status = excluded.status,
  reason = NULL,
  decided_at = NULL,
  decided_by = NULL,
  updated_at = excluded.updated_at
`, nullString(req.TaxID), nullString(req.Name), req.Subject, req.Fingerprint, nullString(req.Serial),
		nullInt(req.ValidFrom), nullInt(req.ValidTo), req.PEM, string(gatekeeper.AccessRequestPending), s.db.orNow(req.CreatedAt), at)
	if err != nil {
		return nil, fmt.Errorf("upsert access request: %w", err)
	}
	return s.FindByFingerprint(ctx, req.Fingerprint)
}

func (s *AccessRequests) MarkApproved(ctx context.Context, id int64, decidedBy, reason string, at int64) error {
	return s.decide(ctx, id, gatekeeper.AccessRequestApproved, decidedBy, reason, at)
}

func (s *AccessRequests) MarkDenied(ctx context.Context, id int64, decidedBy, reason string, at int64) error {
	return s.decide(ctx, id, gatekeeper.AccessRequestDenied, decidedBy, reason, at)
}

func (s *AccessRequests) decide(ctx context.Context, id int64, status gatekeeper.AccessRequestStatus, decidedBy, reason string, at int64) error {
	at = s.db.orNow(at)
	res, err := s.db.sql.ExecContext(ctx, `
UPDATE certificate_access_requests SET status=?, decided_by=?, reason=?, decided_at=?, updated_at=? WHERE id=?
`, string(status), nullString(decidedBy), nullString(reason), at, at, id)
	if err != nil {
		return fmt.Errorf("decide access request %d: %w", id, err)
	}
	return expectRow(res, gatekeeper.ErrAccessRequestNotFound)
}

// ListPending returns the queue oldest first.
func (s *AccessRequests) ListPending(ctx context.Context) ([]gatekeeper.CertificateAccessRequest, error) {
	return s.list(ctx, "SELECT "+requestColumns+" FROM certificate_access_requests WHERE status = ? ORDER BY created_at ASC, id ASC",
		string(gatekeeper.AccessRequestPending))
}

// ListRecentDecisions returns up to limit decided requests, newest first.
func (s *AccessRequests) ListRecentDecisions(ctx context.Context, limit int) ([]gatekeeper.CertificateAccessRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.list(ctx, "SELECT "+requestColumns+" FROM certificate_access_requests WHERE status <> ? ORDER BY decided_at DESC, id DESC LIMIT ?",
		string(gatekeeper.AccessRequestPending), limit)
}

func (s *AccessRequests) list(ctx context.Context, query string, args ...any) ([]gatekeeper.CertificateAccessRequest, error) {
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gatekeeper.CertificateAccessRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
