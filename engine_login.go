package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	msgInvalidCredentials = "Invalid credentials."
	msgTOTPInvalid        = "Invalid verification code."
	msgTOTPNotPending     = "No verification is pending. Sign in again."
)

// Attempt runs the password step of a login. It never establishes a session
// when a policy refuses access, and it defers to VerifyTOTP when the account
// has a second factor. Only storage failures are returned as errors.
func (e *Engine) Attempt(ctx context.Context, sc SessionContext, req *Request, email, password string) (AttemptResult, error) {
	if e == nil || e.hasher == nil {
		return nil, ErrEngineNotReady
	}
	if sc == nil {
		return nil, errNilSessionContext
	}

	sc.Unset(sessionKeyPendingContext)
	lc := e.buildLoginContext(ctx, req)
	ip := ""
	if lc != nil {
		ip = lc.IP
	}

	email = normalizeEmail(email)
	acct, err := e.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if err != nil || acct == nil || acct.Status != StatusActive {
		e.metricInc(MetricLoginFailure)
		var id int64
		if acct != nil {
			id = acct.ID
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, id, ip, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{"identifier": email}
		})
		return AttemptFailure{Message: msgInvalidCredentials, Reason: ErrInvalidCredentials}, nil
	}

	now := e.unixNow()
	if acct.LockedUntil > 0 {
		if acct.LockedUntil > now {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, auditEventLoginFailure, false, acct.ID, ip, ErrAccountLocked, nil)
			return AttemptFailure{Message: lockedMessage(acct.LockedUntil - now), Reason: ErrAccountLocked}, nil
		}
		if err := e.accounts.SetLoginAttempts(ctx, acct.ID, 0, 0); err != nil {
			return nil, fmt.Errorf("clear expired lock: %w", err)
		}
		acct.FailedLoginAttempts = 0
		acct.LockedUntil = 0
	}

	if !e.passwordMatches(acct, password) {
		failure, err := e.registerFailedAttempt(ctx, acct, now)
		if err != nil {
			return nil, err
		}
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, acct.ID, ip, failure.Reason, nil)
		return failure, nil
	}

	e.upgradePasswordHash(ctx, acct, password, ip)

	if err := e.accounts.SetLoginAttempts(ctx, acct.ID, 0, 0); err != nil {
		return nil, fmt.Errorf("clear login attempts: %w", err)
	}
	acct.FailedLoginAttempts = 0
	acct.LockedUntil = 0

	e.evaluatePasswordExpiry(sc, acct.PasswordUpdatedAt, true)

	denial, err := e.enforceAccessPolicies(ctx, acct, lc, req)
	if err != nil {
		return nil, err
	}
	if denial != nil {
		e.metricInc(MetricPolicyDenied)
		e.emitAudit(ctx, auditEventLoginPolicyDenied, false, acct.ID, ip, denial.reason, nil)
		return AttemptFailure{Message: denial.message, Reason: denial.reason}, nil
	}

	if acct.TOTPEnabled {
		setSessionInt64(sc, sessionKeyPendingTOTPUser, acct.ID)
		e.stashLoginContext(sc, lc)
		e.metricInc(MetricTOTPRequired)
		e.emitAudit(ctx, auditEventTOTPRequired, true, acct.ID, ip, nil, nil)
		return AttemptPendingTOTP{}, nil
	}

	expired, err := e.finalizeLogin(ctx, sc, req, acct, lc)
	if err != nil {
		return nil, err
	}
	return AttemptSuccess{AccountID: acct.ID, PasswordExpired: expired}, nil
}

// VerifyTOTP completes a login left pending by Attempt. The access policies
// run again against the context captured during Attempt.
func (e *Engine) VerifyTOTP(ctx context.Context, sc SessionContext, req *Request, code string) (AttemptResult, error) {
	if e == nil || e.totp == nil {
		return nil, ErrEngineNotReady
	}
	if sc == nil {
		return nil, errNilSessionContext
	}

	pendingID, ok := sessionInt64(sc, sessionKeyPendingTOTPUser)
	if !ok || pendingID <= 0 {
		return AttemptFailure{Message: msgTOTPNotPending, Reason: ErrTOTPNotPending}, nil
	}

	acct, err := e.accounts.FindByID(ctx, pendingID)
	if errors.Is(err, ErrAccountNotFound) {
		sc.Unset(sessionKeyPendingTOTPUser, sessionKeyPendingContext)
		return AttemptFailure{Message: msgTOTPNotPending, Reason: ErrTOTPNotPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}
	if acct.Status != StatusActive {
		sc.Unset(sessionKeyPendingTOTPUser, sessionKeyPendingContext)
		return AttemptFailure{Message: msgInvalidCredentials, Reason: ErrInvalidCredentials}, nil
	}

	ip := ""
	if req != nil {
		ip = req.ClientIP
	}
	if !acct.TOTPEnabled || acct.TOTPSecret == "" || !e.totp.Verify(acct.TOTPSecret, code) {
		e.metricInc(MetricTOTPFailure)
		e.emitAudit(ctx, auditEventTOTPFailure, false, acct.ID, ip, ErrTOTPInvalid, nil)
		return AttemptFailure{Message: msgTOTPInvalid, Reason: ErrTOTPInvalid}, nil
	}

	sc.Unset(sessionKeyPendingTOTPUser)
	e.evaluatePasswordExpiry(sc, acct.PasswordUpdatedAt, true)

	lc := e.consumeLoginContext(sc)
	if lc == nil {
		lc = e.buildLoginContext(ctx, req)
	}

	denial, err := e.enforceAccessPolicies(ctx, acct, lc, req)
	if err != nil {
		return nil, err
	}
	if denial != nil {
		e.metricInc(MetricPolicyDenied)
		e.emitAudit(ctx, auditEventLoginPolicyDenied, false, acct.ID, ip, denial.reason, nil)
		return AttemptFailure{Message: denial.message, Reason: denial.reason}, nil
	}

	e.metricInc(MetricTOTPSuccess)
	e.emitAudit(ctx, auditEventTOTPSuccess, true, acct.ID, ip, nil, nil)

	expired, err := e.finalizeLogin(ctx, sc, req, acct, lc)
	if err != nil {
		return nil, err
	}
	return AttemptSuccess{AccountID: acct.ID, PasswordExpired: expired}, nil
}

// HasPendingTOTP reports whether the caller passed the password step and owes
// a TOTP code.
func (e *Engine) HasPendingTOTP(sc SessionContext) bool {
	if sc == nil {
		return false
	}
	id, ok := sessionInt64(sc, sessionKeyPendingTOTPUser)
	return ok && id > 0
}

// finalizeLogin binds the caller to acct: a fresh session identifier, a new
// server-side token mirrored into the caller session, login metadata and the
// trusted device. It reports whether the password is expired.
func (e *Engine) finalizeLogin(ctx context.Context, sc SessionContext, req *Request, acct *Account, lc *loginContext) (bool, error) {
	if err := sc.Regenerate(); err != nil {
		return false, fmt.Errorf("regenerate session: %w", err)
	}
	if err := e.rotateCSRF(sc); err != nil {
		return false, err
	}

	setSessionInt64(sc, sessionKeyUserID, acct.ID)
	sc.Unset(sessionKeyTOTPSetup, sessionKeyPendingTOTPUser, sessionKeyPendingContext)

	token, err := e.newSessionToken()
	if err != nil {
		return false, fmt.Errorf("generate session token: %w", err)
	}
	now := e.unixNow()
	// Last writer wins: a concurrent login elsewhere is invalidated lazily by CurrentUser.
	if err := e.accounts.SetSessionToken(ctx, acct.ID, token, 0); err != nil {
		return false, fmt.Errorf("persist session token: %w", err)
	}
	sc.Set(sessionKeyToken, token)
	setSessionInt64(sc, sessionKeyLastSeenTouch, now)
	setSessionInt64(sc, sessionKeyLastActivity, now)

	meta := SessionMetadata{StartedAt: now}
	if lc != nil {
		meta.IP = lc.IP
		meta.Location = lc.Location
		meta.UserAgent = lc.UserAgent
		sc.Set(sessionKeyLoginSourceIP, lc.IP)
		sc.Set(sessionKeyLoginSourceLocation, lc.Location)
	}
	if err := e.accounts.RecordLogin(ctx, acct.ID, meta); err != nil {
		return false, fmt.Errorf("record login: %w", err)
	}

	if lc != nil && lc.Fingerprint != "" {
		device, err := e.devices.FindByFingerprint(ctx, acct.ID, lc.Fingerprint)
		if err != nil && !errors.Is(err, ErrDeviceNotFound) {
			return false, fmt.Errorf("find device: %w", err)
		}
		if errors.Is(err, ErrDeviceNotFound) {
			device = nil
		}
		if err := e.trustDevice(ctx, acct.ID, device, lc, now); err != nil {
			return false, err
		}
	}
	if lc != nil && lc.DeviceID != "" {
		e.persistDeviceCookie(req, lc.DeviceID)
	}

	expired := e.evaluatePasswordExpiry(sc, acct.PasswordUpdatedAt, false)
	scopeFromContext(ctx).forget()

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventLoginSuccess, true, acct.ID, meta.IP, nil, func() map[string]string {
		return map[string]string{"location": meta.Location}
	})
	e.logger.Info("login finalized", zap.Int64("account_id", acct.ID), zap.String("ip", meta.IP))

	return expired, nil
}

func (e *Engine) passwordMatches(acct *Account, password string) bool {
	if acct.PasswordHash == "" {
		return false
	}
	ok, err := e.hasher.Verify(password, acct.PasswordHash)
	if err != nil {
		e.logger.Debug("password verify failed", zap.Int64("account_id", acct.ID), zap.Error(err))
		return false
	}
	return ok
}

// upgradePasswordHash re-hashes a legacy or weaker hash. Failures are logged
// and never block the login.
func (e *Engine) upgradePasswordHash(ctx context.Context, acct *Account, password, ip string) {
	if !e.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := e.hasher.NeedsUpgrade(acct.PasswordHash)
	if err != nil || !needs {
		return
	}
	newHash, err := e.hasher.Hash(password)
	if err != nil {
		e.logger.Warn("password rehash failed", zap.Int64("account_id", acct.ID), zap.Error(err))
		return
	}
	if err := e.accounts.SetPasswordHash(ctx, acct.ID, newHash, acct.PreviousPasswordHash, acct.PasswordUpdatedAt); err != nil {
		e.logger.Warn("password rehash not persisted", zap.Int64("account_id", acct.ID), zap.Error(err))
		return
	}
	acct.PasswordHash = newHash
	e.metricInc(MetricPasswordRehashed)
	e.emitAudit(ctx, auditEventPasswordRehashed, true, acct.ID, ip, nil, nil)
}

// registerFailedAttempt bumps the failure counter and locks the account at
// the threshold.
func (e *Engine) registerFailedAttempt(ctx context.Context, acct *Account, now int64) (AttemptFailure, error) {
	attempts := acct.FailedLoginAttempts + 1
	var lockedUntil int64
	if attempts >= e.config.Lockout.Threshold {
		lockedUntil = now + int64(e.config.Lockout.Duration/time.Second)
	}

	if err := e.accounts.SetLoginAttempts(ctx, acct.ID, attempts, lockedUntil); err != nil {
		return AttemptFailure{}, fmt.Errorf("record failed attempt: %w", err)
	}
	acct.FailedLoginAttempts = attempts
	acct.LockedUntil = lockedUntil

	if lockedUntil > 0 {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, acct.ID, "", ErrAccountLocked, nil)
		e.logger.Warn("account locked", zap.Int64("account_id", acct.ID), zap.Int("attempts", attempts))
		return AttemptFailure{
			Message: fmt.Sprintf("Too many failed attempts. The account was locked for %s. Wait or ask the administrator to unlock it.",
				humanDuration(e.config.Lockout.Duration)),
			Reason: ErrAccountLocked,
		}, nil
	}

	remaining := e.config.Lockout.Threshold - attempts
	if remaining > 0 {
		return AttemptFailure{
			Message: fmt.Sprintf("Invalid credentials. %d attempt(s) remaining before lockout.", remaining),
			Reason:  ErrInvalidCredentials,
		}, nil
	}
	return AttemptFailure{Message: msgInvalidCredentials, Reason: ErrInvalidCredentials}, nil
}

func lockedMessage(remainingSeconds int64) string {
	minutes := (remainingSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("Too many failed attempts. Try again in %d minute(s) or ask the administrator to unlock the account.", minutes)
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minute(s)", int(d/time.Minute))
	default:
		return d.String()
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
