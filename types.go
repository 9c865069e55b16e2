package gatekeeper

import (
	"context"
	"io"
	"slices"

	internalaudit "github.com/MrEthical07/gatekeeper/internal/audit"
	"go.uber.org/zap"
)

// Role is the coarse account role. RoleAdmin satisfies every permission.
type Role string

const (
	// RoleAdmin is an exported constant or variable used by the authentication engine.
	RoleAdmin Role = "admin"
	// RoleUser is an exported constant or variable used by the authentication engine.
	RoleUser Role = "user"
)

// AccountStatus is the lifecycle state of an Account.
type AccountStatus string

const (
	// StatusPending marks self-registrations awaiting approval.
	StatusPending AccountStatus = "pending"
	// StatusActive is the only status allowed to sign in.
	StatusActive AccountStatus = "active"
	// StatusDisabled is an exported constant or variable used by the authentication engine.
	StatusDisabled AccountStatus = "disabled"
	// StatusDenied is an exported constant or variable used by the authentication engine.
	StatusDenied AccountStatus = "denied"
)

// Account is the persisted identity record. Timestamps are unix seconds and
// zero means unset.
type Account struct {
	ID     int64
	Name   string
	Email  string
	Role   Role
	Status AccountStatus

	CertificateFingerprint string
	CertificateSubject     string
	CertificateSerial      string
	CertificateValidTo     int64
	TaxID                  string

	Permissions []string

	PasswordHash         string
	PreviousPasswordHash string
	PasswordUpdatedAt    int64
	FailedLoginAttempts  int
	LockedUntil          int64

	TOTPSecret      string
	TOTPEnabled     bool
	TOTPConfirmedAt int64

	SessionToken     string
	SessionForcedAt  int64
	SessionIP        string
	SessionLocation  string
	SessionUserAgent string
	SessionStartedAt int64

	LastLoginAt int64
	LastSeenAt  int64

	// AccessStartMinutes and AccessEndMinutes are minutes of the day (0..1439).
	AccessStartMinutes *int
	AccessEndMinutes   *int
	RequireKnownDevice bool

	ApprovedAt int64
	ApprovedBy string
	CreatedAt  int64
	UpdatedAt  int64
}

// IsAdmin reports whether the account holds the admin role.
func (a *Account) IsAdmin() bool {
	return a != nil && a.Role == RoleAdmin
}

// SessionMetadata is recorded on the account when a login is finalized.
type SessionMetadata struct {
	IP        string
	Location  string
	UserAgent string
	StartedAt int64
}

// AccountStore is the account persistence contract. Lookups that match nothing
// return ErrAccountNotFound.
type AccountStore interface {
	FindByID(ctx context.Context, id int64) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*Account, error)
	FindByTaxID(ctx context.Context, taxID string) (*Account, error)
	Create(ctx context.Context, account *Account) (int64, error)
	// Update persists every profile column of account (identity, role,
	// status, certificate, permissions, access policy, approval).
	Update(ctx context.Context, account *Account) error
	CountActiveAdmins(ctx context.Context) (int, error)

	SetLoginAttempts(ctx context.Context, id int64, attempts int, lockedUntil int64) error
	SetPasswordHash(ctx context.Context, id int64, hash, previousHash string, updatedAt int64) error
	SetTOTP(ctx context.Context, id int64, secret string, enabled bool, confirmedAt int64) error
	// SetSessionToken overwrites the server-side token; the last writer wins.
	SetSessionToken(ctx context.Context, id int64, token string, forcedAt int64) error
	// ClearSessionToken clears the token only while it still equals expected
	// and reports whether a row changed.
	ClearSessionToken(ctx context.Context, id int64, expected string, forcedAt int64) (bool, error)
	RecordLogin(ctx context.Context, id int64, meta SessionMetadata) error
	TouchLastSeen(ctx context.Context, id int64, at int64) error
}

// Device is a browser or client recognized for one account.
type Device struct {
	ID           int64
	AccountID    int64
	Fingerprint  string
	UserAgent    string
	LastIP       string
	LastLocation string
	CreatedAt    int64
	ApprovedAt   int64
	ApprovedBy   string
	LastSeenAt   int64
}

// IsApproved reports whether the device was approved. A nil device is not.
func (d *Device) IsApproved() bool {
	return d != nil && d.ApprovedAt > 0
}

// DeviceSighting carries the request attributes refreshed on every contact.
type DeviceSighting struct {
	UserAgent string
	IP        string
	Location  string
	At        int64
}

// DeviceStore is the device-trust persistence contract. One row exists per
// (account, fingerprint).
type DeviceStore interface {
	FindByFingerprint(ctx context.Context, accountID int64, fingerprint string) (*Device, error)
	// RecordApproved inserts or touches the device and marks it approved.
	RecordApproved(ctx context.Context, accountID int64, fingerprint string, seen DeviceSighting, approvedBy string) (*Device, error)
	// RecordPending inserts or touches the device without changing approval.
	RecordPending(ctx context.Context, accountID int64, fingerprint string, seen DeviceSighting) (*Device, error)
	// MarkSeen refreshes last-seen attributes and never clears approval. An
	// empty user-agent keeps the stored one.
	MarkSeen(ctx context.Context, deviceID int64, seen DeviceSighting) error
	ListForAccount(ctx context.Context, accountID int64) ([]Device, error)
	Approve(ctx context.Context, deviceID int64, approvedBy string, at int64) error
}

// AccessRequestStatus is the decision state of a CertificateAccessRequest.
type AccessRequestStatus string

const (
	// AccessRequestPending is an exported constant or variable used by the authentication engine.
	AccessRequestPending AccessRequestStatus = "pending"
	// AccessRequestApproved is an exported constant or variable used by the authentication engine.
	AccessRequestApproved AccessRequestStatus = "approved"
	// AccessRequestDenied is an exported constant or variable used by the authentication engine.
	AccessRequestDenied AccessRequestStatus = "denied"
)

// CertificateAccessRequest is the enrollment queued for an unknown certificate.
type CertificateAccessRequest struct {
	ID          int64
	TaxID       string
	Name        string
	Subject     string
	Fingerprint string
	Serial      string
	ValidFrom   int64
	ValidTo     int64
	PEM         string
	Status      AccessRequestStatus
	Reason      string
	DecidedAt   int64
	DecidedBy   string
	CreatedAt   int64
	UpdatedAt   int64
}

// AccessRequestStore is the enrollment queue contract. Fingerprints are unique.
type AccessRequestStore interface {
	Find(ctx context.Context, id int64) (*CertificateAccessRequest, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*CertificateAccessRequest, error)
	// UpsertPending inserts the request or refreshes the row with the same
	// fingerprint, resetting it to pending and clearing decision fields.
	UpsertPending(ctx context.Context, req CertificateAccessRequest) (*CertificateAccessRequest, error)
	MarkApproved(ctx context.Context, id int64, decidedBy, reason string, at int64) error
	MarkDenied(ctx context.Context, id int64, decidedBy, reason string, at int64) error
	ListPending(ctx context.Context) ([]CertificateAccessRequest, error)
	ListRecentDecisions(ctx context.Context, limit int) ([]CertificateAccessRequest, error)
}

// SettingsStore exposes global key/value settings. ok is false when unset.
type SettingsStore interface {
	Setting(ctx context.Context, key string) (value string, ok bool, err error)
	SetSetting(ctx context.Context, key, value string) error
}

// GeoResult is the answer of a GeoLocator.
type GeoResult struct {
	IP    string
	Label string
}

// GeoLocator labels client IPs with a location. Failures are tolerated.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (GeoResult, error)
}

// User is the read-only view of an authenticated account handed to callers.
type User struct {
	ID                 int64
	Name               string
	Email              string
	Role               Role
	Fingerprint        string
	TaxID              string
	Permissions        []string
	SessionIP          string
	SessionLocation    string
	SessionUserAgent   string
	SessionStartedAt   int64
	LastSeenAt         int64
	AccessStartMinutes *int
	AccessEndMinutes   *int
	RequireKnownDevice bool
	TOTPEnabled        bool
}

// IsAdmin reports whether u holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Can reports whether u holds permission. Admins hold every permission.
func (u *User) Can(permission string) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin() {
		return true
	}
	return slices.Contains(u.Permissions, permission)
}

// AuditEvent is the structured record emitted for authentication events.
type AuditEvent = internalaudit.Event

// AuditSink receives audit events from the dispatcher goroutine.
type AuditSink = internalaudit.Sink

// NoOpSink drops every event.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink forwards events into a buffered channel.
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON document per event.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZapSink logs events at info level, failures at warn.
type ZapSink = internalaudit.ZapSink

// NewChannelSink is an exported constant or variable used by the authentication engine.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink is an exported constant or variable used by the authentication engine.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewZapSink logs events through logger under the "audit" name.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return internalaudit.NewZapSink(logger)
}
