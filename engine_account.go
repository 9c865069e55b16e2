package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/MrEthical07/gatekeeper/password"
	"go.uber.org/zap"
)

const (
	msgRegistrationInvalid  = "Enter a valid name and email."
	msgRegistrationPending  = "A request for this email is already awaiting approval."
	msgRegistrationExists   = "This email already has approved access. Sign in or ask the administrator for a reset."
	msgCurrentPasswordWrong = "Current password is incorrect."
	msgPasswordChanged      = "Password changed successfully."
	msgPasswordMissing      = "Enter the new password."
	msgAccessWindowBounds   = "Provide both times to create a custom window."
	msgAccessWindowEmpty    = "Start and end times must differ."
)

// RegistrationRequest is a self-service request for a password login.
type RegistrationRequest struct {
	Name     string
	Email    string
	Password string
}

// RegisterPendingUser queues a password account for administrator approval.
// Refusals are *FeedbackError values wrapping ErrInvalidRegistration,
// ErrPasswordPolicy, ErrRegistrationPending or ErrAccountExists. A disabled
// or denied account with the same email is reset to pending.
func (e *Engine) RegisterPendingUser(ctx context.Context, reg RegistrationRequest) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}

	name := strings.TrimSpace(reg.Name)
	email := normalizeEmail(reg.Email)
	secret := strings.TrimSpace(reg.Password)

	if name == "" || !validEmail(email) {
		return feedback(ErrInvalidRegistration, msgRegistrationInvalid)
	}
	if msg := password.Validate(secret, "", "", nil); msg != "" {
		return feedback(ErrPasswordPolicy, msg)
	}

	existing, err := e.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return fmt.Errorf("find account by email: %w", err)
	}
	if err == nil && existing != nil {
		switch existing.Status {
		case StatusPending:
			return feedback(ErrRegistrationPending, msgRegistrationPending)
		case StatusActive:
			return feedback(ErrAccountExists, msgRegistrationExists)
		}
	} else {
		existing = nil
	}

	hash, err := e.hasher.Hash(secret)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := e.unixNow()

	acct := existing
	if acct == nil {
		acct = &Account{Role: RoleUser, CreatedAt: now}
	}
	acct.Name = name
	acct.Email = email
	acct.Status = StatusPending
	acct.CertificateFingerprint = registrationFingerprint(email)
	acct.PasswordHash = hash
	acct.PreviousPasswordHash = ""
	acct.PasswordUpdatedAt = now
	acct.FailedLoginAttempts = 0
	acct.LockedUntil = 0
	acct.ApprovedAt = 0
	acct.ApprovedBy = ""
	acct.Permissions = withoutAdminKey(e.catalog.DefaultProfilePermissions())
	acct.UpdatedAt = now

	if acct.ID == 0 {
		id, err := e.accounts.Create(ctx, acct)
		if err != nil {
			return fmt.Errorf("create account: %w", err)
		}
		acct.ID = id
	} else {
		if err := e.accounts.Update(ctx, acct); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
		if err := e.accounts.SetPasswordHash(ctx, acct.ID, hash, "", now); err != nil {
			return fmt.Errorf("store password: %w", err)
		}
		if err := e.accounts.SetLoginAttempts(ctx, acct.ID, 0, 0); err != nil {
			return fmt.Errorf("reset login attempts: %w", err)
		}
	}

	e.metricInc(MetricRegistration)
	e.emitAudit(ctx, auditEventRegistration, true, acct.ID, "", nil, nil)
	return nil
}

func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// ChangePassword replaces the caller's password after checking the current
// one and the password rules. The previous hash rotates so the next change
// cannot reuse it. On success the expired-password requirement is cleared
// and a confirmation is left for TakePasswordFeedback. Refusals are
// *FeedbackError values.
//
// An account provisioned from a certificate has no password yet; its first
// password is set without a current one but still follows the rules.
func (e *Engine) ChangePassword(ctx context.Context, sc SessionContext, accountID int64, current, next string) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if next == "" {
		return feedback(ErrPasswordPolicy, msgPasswordMissing)
	}

	acct, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.PasswordHash != "" && !e.passwordMatches(acct, current) {
		e.metricInc(MetricPasswordChangeRejected)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, "", ErrInvalidCredentials, nil)
		return feedback(ErrInvalidCredentials, msgCurrentPasswordWrong)
	}
	if msg := password.Validate(next, acct.PasswordHash, acct.PreviousPasswordHash, e.hasher); msg != "" {
		e.metricInc(MetricPasswordChangeRejected)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, accountID, "", ErrPasswordPolicy, nil)
		return feedback(ErrPasswordPolicy, msg)
	}

	if err := e.storeNewPassword(ctx, acct, next); err != nil {
		return err
	}

	if sc != nil {
		e.ClearPasswordChangeRequirement(sc)
		sc.Set(sessionKeyPasswordFeedback, msgPasswordChanged)
	}
	scopeFromContext(ctx).forget()

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, accountID, "", nil, nil)
	return nil
}

// ResetPassword sets a new password for a non-admin account and ends its
// session. The password rules still apply.
func (e *Engine) ResetPassword(ctx context.Context, accountID int64, next, actor string) error {
	acct, err := e.nonAdminAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if next == "" {
		return feedback(ErrPasswordPolicy, msgPasswordMissing)
	}
	if msg := password.Validate(next, acct.PasswordHash, acct.PreviousPasswordHash, e.hasher); msg != "" {
		return feedback(ErrPasswordPolicy, msg)
	}
	if err := e.storeNewPassword(ctx, acct, next); err != nil {
		return err
	}
	if err := e.forceLogout(ctx, acct.ID); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventPasswordReset, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"actor": actor}
	})
	return nil
}

func (e *Engine) storeNewPassword(ctx context.Context, acct *Account, plain string) error {
	hash, err := e.hasher.Hash(plain)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := e.unixNow()
	if err := e.accounts.SetPasswordHash(ctx, acct.ID, hash, acct.PasswordHash, now); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	acct.PreviousPasswordHash = acct.PasswordHash
	acct.PasswordHash = hash
	acct.PasswordUpdatedAt = now
	return nil
}

// TerminateSessions ends every session of a non-admin account and clears its
// failed-login counter. The next request of that account sees
// ErrSessionTerminated.
func (e *Engine) TerminateSessions(ctx context.Context, accountID int64, actor string) error {
	acct, err := e.nonAdminAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := e.forceLogout(ctx, acct.ID); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventSessionsTerminated, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"actor": actor}
	})
	e.logger.Info("sessions terminated", zap.Int64("account_id", acct.ID), zap.String("actor", actor))
	return nil
}

func (e *Engine) forceLogout(ctx context.Context, accountID int64) error {
	if err := e.accounts.SetSessionToken(ctx, accountID, "", e.unixNow()); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	if err := e.accounts.SetLoginAttempts(ctx, accountID, 0, 0); err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

// UnlockAccount clears the failed-login counter and any lockout.
func (e *Engine) UnlockAccount(ctx context.Context, accountID int64) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if _, err := e.accounts.FindByID(ctx, accountID); err != nil {
		return err
	}
	if err := e.accounts.SetLoginAttempts(ctx, accountID, 0, 0); err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	e.emitAudit(ctx, auditEventAccountUnlocked, true, accountID, "", nil, nil)
	return nil
}

// SetAccountStatus activates or disables a non-admin account and clears its
// lockout. Disabling takes effect on the account's next request.
func (e *Engine) SetAccountStatus(ctx context.Context, accountID int64, active bool) error {
	acct, err := e.nonAdminAccount(ctx, accountID)
	if err != nil {
		return err
	}
	status := StatusDisabled
	if active {
		status = StatusActive
	}
	if acct.Status != status {
		acct.Status = status
		acct.UpdatedAt = e.unixNow()
		if err := e.accounts.Update(ctx, acct); err != nil {
			return fmt.Errorf("update account: %w", err)
		}
	}
	if err := e.accounts.SetLoginAttempts(ctx, accountID, 0, 0); err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	e.emitAudit(ctx, auditEventAccountStatusChanged, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"status": string(status)}
	})
	return nil
}

// ApprovePendingAccount activates a self-registration. Empty permissions fall
// back to the default profile.
func (e *Engine) ApprovePendingAccount(ctx context.Context, accountID int64, decidedBy string, permissions []string) (*User, error) {
	acct, err := e.pendingAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if decidedBy == "" {
		decidedBy = defaultAccessDecidedBy
	}
	now := e.unixNow()
	acct.Status = StatusActive
	acct.ApprovedAt = now
	acct.ApprovedBy = decidedBy
	acct.Permissions = e.grantablePermissions(permissions)
	acct.UpdatedAt = now
	if err := e.accounts.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	e.emitAudit(ctx, auditEventAccountApproved, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"decided_by": decidedBy}
	})
	return e.toUser(acct), nil
}

// DenyPendingAccount refuses a self-registration. The email may register again.
func (e *Engine) DenyPendingAccount(ctx context.Context, accountID int64, decidedBy string) error {
	acct, err := e.pendingAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if decidedBy == "" {
		decidedBy = defaultAccessDecidedBy
	}
	acct.Status = StatusDenied
	acct.ApprovedAt = 0
	acct.ApprovedBy = decidedBy
	acct.UpdatedAt = e.unixNow()
	if err := e.accounts.Update(ctx, acct); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	e.emitAudit(ctx, auditEventAccountDenied, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"decided_by": decidedBy}
	})
	return nil
}

// SetPermissions replaces the grants of a non-admin account. Unknown keys and
// the admin-only key are dropped; an empty result falls back to the default
// profile.
func (e *Engine) SetPermissions(ctx context.Context, accountID int64, permissions []string) ([]string, error) {
	acct, err := e.nonAdminAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acct.Permissions = e.grantablePermissions(permissions)
	acct.UpdatedAt = e.unixNow()
	if err := e.accounts.Update(ctx, acct); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	e.emitAudit(ctx, auditEventPermissionsUpdated, true, acct.ID, "", nil, func() map[string]string {
		return map[string]string{"permissions": strings.Join(acct.Permissions, ",")}
	})
	return append([]string(nil), acct.Permissions...), nil
}

// AccessRestrictions is the per-account access policy. A nil window means
// the global window applies.
type AccessRestrictions struct {
	StartMinutes       *int
	EndMinutes         *int
	RequireKnownDevice bool
}

// SetAccessRestrictions stores the per-account window and device policy.
// Both bounds are set or both are nil; equal bounds are refused. Windows may
// wrap past midnight.
func (e *Engine) SetAccessRestrictions(ctx context.Context, accountID int64, r AccessRestrictions) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if (r.StartMinutes == nil) != (r.EndMinutes == nil) {
		return feedback(ErrInvalidAccessWindow, msgAccessWindowBounds)
	}
	start, end := clampMinutesPtr(r.StartMinutes), clampMinutesPtr(r.EndMinutes)
	if start != nil && *start == *end {
		return feedback(ErrInvalidAccessWindow, msgAccessWindowEmpty)
	}

	acct, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		return err
	}
	acct.AccessStartMinutes = start
	acct.AccessEndMinutes = end
	acct.RequireKnownDevice = r.RequireKnownDevice
	acct.UpdatedAt = e.unixNow()
	if err := e.accounts.Update(ctx, acct); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	e.emitAudit(ctx, auditEventAccessPolicyUpdated, true, accountID, "", nil, nil)
	return nil
}

// ListDevices returns the devices recorded for an account.
func (e *Engine) ListDevices(ctx context.Context, accountID int64) ([]Device, error) {
	if e == nil || e.devices == nil {
		return nil, ErrEngineNotReady
	}
	return e.devices.ListForAccount(ctx, accountID)
}

// ApproveDevice trusts one device of an account. Approving an approved
// device is a no-op.
func (e *Engine) ApproveDevice(ctx context.Context, accountID, deviceID int64, approvedBy string) error {
	devices, err := e.ListDevices(ctx, accountID)
	if err != nil {
		return err
	}
	var target *Device
	for i := range devices {
		if devices[i].ID == deviceID {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		return ErrDeviceNotFound
	}
	if target.IsApproved() {
		return nil
	}
	if approvedBy == "" {
		approvedBy = defaultAccessDecidedBy
	}
	if err := e.devices.Approve(ctx, deviceID, approvedBy, e.unixNow()); err != nil {
		return fmt.Errorf("approve device: %w", err)
	}
	e.metricInc(MetricDeviceApproved)
	e.emitAudit(ctx, auditEventDeviceApproved, true, accountID, "", nil, func() map[string]string {
		return map[string]string{"fingerprint": target.Fingerprint, "approved_by": approvedBy}
	})
	return nil
}

func (e *Engine) nonAdminAccount(ctx context.Context, accountID int64) (*Account, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}
	acct, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.IsAdmin() {
		return nil, ErrAdminProtected
	}
	return acct, nil
}

func (e *Engine) pendingAccount(ctx context.Context, accountID int64) (*Account, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}
	acct, err := e.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusPending {
		return nil, ErrAccountNotPending
	}
	return acct, nil
}
