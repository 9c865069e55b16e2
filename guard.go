package gatekeeper

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	msgAdminOnly             = "Access restricted to administrators."
	msgInsufficientAccess    = "Insufficient permission to access this module."
	msgUpdateExpiredPassword = "Update your expired password to keep using the system."
	landingHome              = "/"
)

// Authorize decides whether the request may reach action. Denials are
// Intercepted verdicts, never errors; an error means storage or session
// persistence failed.
//
// Evaluation order: public allow-list, automation token, pending TOTP,
// caller resolution (which may log the caller out), expired password,
// admin-only subjects, the action's permission requirement.
func (e *Engine) Authorize(ctx context.Context, sc SessionContext, req *Request, action Action) (Verdict, error) {
	if e == nil || e.accounts == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() {
			e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
		}()
	}

	if e.routes.Public[action] {
		e.metricInc(MetricGuardPublic)
		return Public{}, nil
	}
	if e.routes.Automation[action] && e.automationTokenValid(req) {
		e.metricInc(MetricAutomationBypass)
		e.emitAudit(ctx, auditEventAutomationTokenAccepted, true, 0, clientIP(req), nil, func() map[string]string {
			return map[string]string{"action": action.String()}
		})
		return Public{}, nil
	}

	if e.HasPendingTOTP(sc) {
		return e.intercept(Interception{Kind: RedirectTOTP, Location: e.routes.TOTPPath}), nil
	}

	user, err := e.CurrentUser(ctx, sc)
	if err != nil && !errors.Is(err, ErrSessionInvalidated) && !errors.Is(err, ErrPolicyViolation) {
		return nil, err
	}

	if user == nil {
		if sc != nil && req.IsReadOnly() && req.URI != "" {
			sc.Set(sessionKeyIntended, req.URI)
		}
		return e.intercept(Interception{Kind: RedirectLogin, Location: e.routes.LoginPath}), nil
	}

	if e.PasswordRequiresChange(sc) && !e.routes.PasswordExempt[action] {
		if v, ok := sc.Get(sessionKeyPasswordFeedback); !ok || v == "" {
			sc.Set(sessionKeyPasswordFeedback, msgUpdateExpiredPassword)
		}
		e.metricInc(MetricPasswordExpired)
		return e.intercept(Interception{Kind: RedirectPasswordChange, Location: e.routes.PasswordChangePath}), nil
	}

	if e.routes.AdminSubjects[action.Subject] && !user.IsAdmin() {
		return e.forbid(ctx, user, req, action, msgAdminOnly), nil
	}

	if !e.routes.requirementFor(action).SatisfiedBy(user.Can) {
		return e.forbid(ctx, user, req, action, msgInsufficientAccess), nil
	}

	if err := e.RefreshLastSeen(ctx, sc, user); err != nil {
		e.logger.Warn("refresh last seen failed", zap.Int64("account_id", user.ID), zap.Error(err))
	}

	e.metricInc(MetricGuardAuthenticated)
	return Authenticated{User: user}, nil
}

func (e *Engine) intercept(i Interception) Verdict {
	e.metricInc(MetricGuardIntercepted)
	return Intercepted{Response: i}
}

func (e *Engine) forbid(ctx context.Context, user *User, req *Request, action Action, message string) Verdict {
	e.metricInc(MetricGuardForbidden)
	e.emitAudit(ctx, auditEventGuardForbidden, false, user.ID, clientIP(req), ErrForbidden, func() map[string]string {
		return map[string]string{"action": action.String()}
	})
	return e.intercept(Interception{Kind: Forbidden, Message: message})
}

// automationTokenValid checks the configured header, then the query
// parameter, against the automation secret in constant time.
func (e *Engine) automationTokenValid(req *Request) bool {
	expected := strings.TrimSpace(e.config.Automation.Token)
	if expected == "" || req == nil {
		return false
	}
	if h := e.config.Automation.Header; h != "" {
		if got := req.HeaderValue(h); got != "" && constantTimeEqual(expected, got) {
			return true
		}
	}
	if q := e.config.Automation.QueryParam; q != "" {
		if got := req.QueryValue(q); got != "" && constantTimeEqual(expected, got) {
			return true
		}
	}
	return false
}

// DefaultLanding returns the first page user can open: home for admins,
// anonymous callers and holders of the dashboard permission, otherwise the
// first matching landing target.
func (e *Engine) DefaultLanding(user *User) string {
	if user == nil || user.IsAdmin() || user.Can("dashboard.overview") {
		return landingHome
	}
	for _, t := range e.routes.Landing {
		for _, key := range t.Permissions {
			if user.Can(key) {
				return t.Path
			}
		}
	}
	return landingHome
}

func clientIP(req *Request) string {
	if req == nil {
		return ""
	}
	return req.ClientIP
}
