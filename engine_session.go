package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	msgAccountDisabled    = "Your access was disabled. Contact the administrator."
	msgSessionTerminated  = "Your session was ended by the administrator. Sign in again."
	msgSessionExpired     = "Your session expired. Sign in again."
	msgSessionInactive    = "Your session was closed after a period of inactivity. Sign in again."
	csrfTokenBytes        = 32
	defaultIntendedTarget = "/"
)

// LogoutOptions control what Logout leaves behind.
type LogoutOptions struct {
	// PreserveForced stamps ForcedAt on the account while clearing the token.
	PreserveForced bool
	ForcedAt       int64
	// Notice is shown to the caller on the next render (see TakeNotice).
	Notice string
}

// CurrentUser resolves the caller's account and reconciles its session.
// It returns (nil, nil) for anonymous callers. When the session is no longer
// valid the caller is logged out and the cause is returned: an
// ErrSessionInvalidated error (replaced, terminated, idle) or an
// ErrPolicyViolation error (inactive account, closed access window).
// Results are cached in the request scope created by WithRequestScope.
func (e *Engine) CurrentUser(ctx context.Context, sc SessionContext) (*User, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}
	if sc == nil {
		return nil, nil
	}

	id, ok := sessionInt64(sc, sessionKeyUserID)
	if !ok || id <= 0 {
		return nil, nil
	}

	scope := scopeFromContext(ctx)
	if scope != nil && scope.resolved && scope.user.ID == id {
		return scope.user, nil
	}

	acct, err := e.accounts.FindByID(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		sc.Unset(authSessionKeys...)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find account: %w", err)
	}

	if acct.Status != StatusActive {
		if err := e.endSession(ctx, sc, LogoutOptions{Notice: msgAccountDisabled}, ErrAccountInactive); err != nil {
			return nil, err
		}
		return nil, ErrAccountInactive
	}

	e.evaluatePasswordExpiry(sc, acct.PasswordUpdatedAt, false)

	clientToken, _ := sc.Get(sessionKeyToken)
	serverToken := acct.SessionToken

	if clientToken == "" && serverToken == "" {
		token, err := e.newSessionToken()
		if err != nil {
			return nil, fmt.Errorf("generate session token: %w", err)
		}
		if err := e.accounts.SetSessionToken(ctx, id, token, 0); err != nil {
			return nil, fmt.Errorf("persist session token: %w", err)
		}
		sc.Set(sessionKeyToken, token)
		if _, ok := sc.Get(sessionKeyLastSeenTouch); !ok {
			setSessionInt64(sc, sessionKeyLastSeenTouch, e.unixNow())
		}
		clientToken, serverToken = token, token
	}

	switch {
	case clientToken != "" && (serverToken == "" || !constantTimeEqual(clientToken, serverToken)):
		reason, notice := ErrSessionReplaced, msgSessionExpired
		if acct.SessionForcedAt > 0 {
			reason, notice = ErrSessionTerminated, msgSessionTerminated
		}
		opts := LogoutOptions{PreserveForced: true, ForcedAt: acct.SessionForcedAt, Notice: notice}
		if err := e.endSession(ctx, sc, opts, reason); err != nil {
			return nil, err
		}
		return nil, reason
	case clientToken == "" && serverToken != "":
		opts := LogoutOptions{PreserveForced: true, ForcedAt: acct.SessionForcedAt, Notice: msgSessionExpired}
		if err := e.endSession(ctx, sc, opts, ErrSessionReplaced); err != nil {
			return nil, err
		}
		return nil, ErrSessionReplaced
	}

	now := e.unixNow()
	last, ok := sessionInt64(sc, sessionKeyLastActivity)
	if ok && last > 0 && now-last > int64(e.config.Session.InactivityTimeout/time.Second) {
		if err := e.endSession(ctx, sc, LogoutOptions{Notice: msgSessionInactive}, ErrSessionIdle); err != nil {
			return nil, err
		}
		return nil, ErrSessionIdle
	}
	setSessionInt64(sc, sessionKeyLastActivity, now)

	defaults, err := e.securityDefaults(ctx)
	if err != nil {
		return nil, err
	}
	if msg := e.accessWindowMessage(acct, defaults); msg != "" {
		if err := e.endSession(ctx, sc, LogoutOptions{Notice: msg}, ErrAccessWindowClosed); err != nil {
			return nil, err
		}
		return nil, ErrAccessWindowClosed
	}

	user := e.toUser(acct)
	scope.remember(user)
	return user, nil
}

// Logout ends the caller's session. The server-side token is cleared only
// while it still belongs to this caller, so a session that lost to a newer
// login cannot revoke the newer one.
func (e *Engine) Logout(ctx context.Context, sc SessionContext, opts LogoutOptions) error {
	if e == nil || e.accounts == nil {
		return ErrEngineNotReady
	}
	if sc == nil {
		return errNilSessionContext
	}
	return e.endSession(ctx, sc, opts, nil)
}

func (e *Engine) endSession(ctx context.Context, sc SessionContext, opts LogoutOptions, cause error) error {
	id, _ := sessionInt64(sc, sessionKeyUserID)
	token, _ := sc.Get(sessionKeyToken)

	if id > 0 && token != "" {
		var forcedAt int64
		if opts.PreserveForced {
			forcedAt = opts.ForcedAt
		}
		if _, err := e.accounts.ClearSessionToken(ctx, id, token, forcedAt); err != nil {
			return fmt.Errorf("clear session token: %w", err)
		}
	}

	sc.Unset(authSessionKeys...)
	sc.Unset(sessionKeyTOTPSetup, sessionKeyPasswordFeedback)
	if err := sc.Regenerate(); err != nil {
		return fmt.Errorf("regenerate session: %w", err)
	}
	if err := e.rotateCSRF(sc); err != nil {
		return err
	}
	scopeFromContext(ctx).forget()

	if opts.Notice != "" {
		sc.Set(sessionKeyNotice, opts.Notice)
	}

	switch {
	case cause == nil:
		e.metricInc(MetricLogout)
		e.emitAudit(ctx, auditEventLogout, true, id, "", nil, nil)
	case errors.Is(cause, ErrSessionIdle):
		e.metricInc(MetricSessionIdle)
	case errors.Is(cause, ErrSessionReplaced):
		e.metricInc(MetricSessionReplaced)
	case errors.Is(cause, ErrSessionTerminated):
		e.metricInc(MetricSessionTerminated)
	}
	if cause != nil {
		e.emitAudit(ctx, auditEventSessionInvalidated, false, id, "", cause, nil)
		e.logger.Info("session invalidated", zap.Int64("account_id", id), zap.String("reason", string(auditErrorCode(cause))))
	}
	return nil
}

// RefreshLastSeen records caller activity. The account's last-seen column
// is written at most once per LastSeenThrottle.
func (e *Engine) RefreshLastSeen(ctx context.Context, sc SessionContext, user *User) error {
	if sc == nil || user == nil {
		return nil
	}
	now := e.unixNow()
	last, ok := sessionInt64(sc, sessionKeyLastSeenTouch)
	if !ok || last <= 0 || now-last >= int64(e.config.Session.LastSeenThrottle/time.Second) {
		if err := e.accounts.TouchLastSeen(ctx, user.ID, now); err != nil {
			return fmt.Errorf("touch last seen: %w", err)
		}
		setSessionInt64(sc, sessionKeyLastSeenTouch, now)
	}
	setSessionInt64(sc, sessionKeyLastActivity, now)
	return nil
}

// InactivityRemaining returns how long the caller may stay idle. ok is false
// when no activity has been recorded.
func (e *Engine) InactivityRemaining(sc SessionContext) (time.Duration, bool) {
	if sc == nil {
		return 0, false
	}
	last, ok := sessionInt64(sc, sessionKeyLastActivity)
	if !ok {
		return 0, false
	}
	expiresAt := time.Unix(last, 0).Add(e.config.Session.InactivityTimeout)
	remaining := expiresAt.Sub(e.now()).Truncate(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// PasswordRequiresChange reports whether the caller's password is expired.
func (e *Engine) PasswordRequiresChange(sc SessionContext) bool {
	return sc != nil && sessionBool(sc, sessionKeyPasswordExpired)
}

// ClearPasswordChangeRequirement drops the expired-password flag after a change.
func (e *Engine) ClearPasswordChangeRequirement(sc SessionContext) {
	if sc == nil {
		return
	}
	sc.Unset(sessionKeyPasswordExpired)
	setSessionInt64(sc, sessionKeyPasswordUpdatedAt, e.unixNow())
}

// TakeNotice returns and clears the one-time logout notice.
func (e *Engine) TakeNotice(sc SessionContext) string {
	return takeSessionValue(sc, sessionKeyNotice)
}

// TakePasswordFeedback returns and clears the pending password warning.
func (e *Engine) TakePasswordFeedback(sc SessionContext) string {
	return takeSessionValue(sc, sessionKeyPasswordFeedback)
}

// TakeIntendedLocation returns and clears the location remembered before the
// login redirect, or "/".
func (e *Engine) TakeIntendedLocation(sc SessionContext) string {
	if v := takeSessionValue(sc, sessionKeyIntended); v != "" {
		return v
	}
	return defaultIntendedTarget
}

func takeSessionValue(sc SessionContext, key string) string {
	if sc == nil {
		return ""
	}
	v, ok := sc.Get(key)
	if !ok {
		return ""
	}
	sc.Unset(key)
	return v
}

// CSRFToken returns the caller's anti-forgery token, creating it on first use.
func (e *Engine) CSRFToken(sc SessionContext) (string, error) {
	if sc == nil {
		return "", errNilSessionContext
	}
	if v, ok := sc.Get(sessionKeyCSRF); ok && v != "" {
		return v, nil
	}
	if err := e.rotateCSRF(sc); err != nil {
		return "", err
	}
	v, _ := sc.Get(sessionKeyCSRF)
	return v, nil
}

// VerifyCSRF compares token with the caller's anti-forgery token in constant time.
func (e *Engine) VerifyCSRF(sc SessionContext, token string) bool {
	if sc == nil || token == "" {
		return false
	}
	expected, ok := sc.Get(sessionKeyCSRF)
	return ok && expected != "" && constantTimeEqual(expected, token)
}

func (e *Engine) rotateCSRF(sc SessionContext) error {
	token, err := randomHex(csrfTokenBytes)
	if err != nil {
		return fmt.Errorf("generate csrf token: %w", err)
	}
	sc.Set(sessionKeyCSRF, token)
	return nil
}
