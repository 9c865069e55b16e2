package internaldefs

import (
	"github.com/MrEthical07/gatekeeper"
)

// Def names one exported series.
type Def struct {
	ID   gatekeeper.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter fed by Engine.AuditDropped.
const AuditDroppedName = "gatekeeper_audit_dropped_total"

var CounterDefs = []Def{
	{ID: gatekeeper.MetricLoginSuccess, Name: "gatekeeper_login_success_total", Help: "Logins that reached an authenticated session."},
	{ID: gatekeeper.MetricLoginFailure, Name: "gatekeeper_login_failure_total", Help: "Rejected login attempts."},
	{ID: gatekeeper.MetricAccountLocked, Name: "gatekeeper_account_locked_total", Help: "Accounts locked after repeated failures."},
	{ID: gatekeeper.MetricTOTPRequired, Name: "gatekeeper_totp_required_total", Help: "Logins paused for a TOTP code."},
	{ID: gatekeeper.MetricTOTPSuccess, Name: "gatekeeper_totp_success_total", Help: "Accepted TOTP codes."},
	{ID: gatekeeper.MetricTOTPFailure, Name: "gatekeeper_totp_failure_total", Help: "Rejected TOTP codes."},
	{ID: gatekeeper.MetricPolicyDenied, Name: "gatekeeper_policy_denied_total", Help: "Logins refused by schedule, network or device restrictions."},
	{ID: gatekeeper.MetricDevicePending, Name: "gatekeeper_device_pending_total", Help: "Unknown devices recorded for approval."},
	{ID: gatekeeper.MetricDeviceApproved, Name: "gatekeeper_device_approved_total", Help: "Devices approved manually or automatically."},
	{ID: gatekeeper.MetricPasswordRehashed, Name: "gatekeeper_password_rehashed_total", Help: "Legacy password hashes upgraded at login."},
	{ID: gatekeeper.MetricPasswordExpired, Name: "gatekeeper_password_expired_total", Help: "Requests redirected to change an expired password."},
	{ID: gatekeeper.MetricPasswordChangeSuccess, Name: "gatekeeper_password_change_success_total", Help: "Successful password changes."},
	{ID: gatekeeper.MetricPasswordChangeRejected, Name: "gatekeeper_password_change_rejected_total", Help: "Password changes rejected by policy or reuse."},
	{ID: gatekeeper.MetricRegistration, Name: "gatekeeper_registration_total", Help: "Self-service registrations awaiting approval."},
	{ID: gatekeeper.MetricSessionCreated, Name: "gatekeeper_session_created_total", Help: "Sessions bound to an account."},
	{ID: gatekeeper.MetricSessionReplaced, Name: "gatekeeper_session_replaced_total", Help: "Sessions ended by a newer login elsewhere."},
	{ID: gatekeeper.MetricSessionIdle, Name: "gatekeeper_session_idle_total", Help: "Sessions ended by inactivity."},
	{ID: gatekeeper.MetricSessionTerminated, Name: "gatekeeper_session_terminated_total", Help: "Sessions ended by an administrator."},
	{ID: gatekeeper.MetricLogout, Name: "gatekeeper_logout_total", Help: "Explicit logouts."},
	{ID: gatekeeper.MetricCertificateApproved, Name: "gatekeeper_certificate_approved_total", Help: "Certificate logins that resolved to an account."},
	{ID: gatekeeper.MetricCertificatePending, Name: "gatekeeper_certificate_pending_total", Help: "Certificate logins queued for approval."},
	{ID: gatekeeper.MetricCertificateDenied, Name: "gatekeeper_certificate_denied_total", Help: "Certificate logins refused by a prior decision."},
	{ID: gatekeeper.MetricCertificateInvalid, Name: "gatekeeper_certificate_invalid_total", Help: "Client certificates that failed to parse or validate."},
	{ID: gatekeeper.MetricCertificateMissing, Name: "gatekeeper_certificate_missing_total", Help: "Certificate logins without a client certificate."},
	{ID: gatekeeper.MetricAdminBootstrap, Name: "gatekeeper_admin_bootstrap_total", Help: "First certificates promoted to administrator."},
	{ID: gatekeeper.MetricGuardPublic, Name: "gatekeeper_guard_public_total", Help: "Requests admitted as public actions."},
	{ID: gatekeeper.MetricGuardAuthenticated, Name: "gatekeeper_guard_authenticated_total", Help: "Requests admitted for an authenticated user."},
	{ID: gatekeeper.MetricGuardIntercepted, Name: "gatekeeper_guard_intercepted_total", Help: "Requests redirected before reaching the handler."},
	{ID: gatekeeper.MetricGuardForbidden, Name: "gatekeeper_guard_forbidden_total", Help: "Requests refused for missing permissions."},
	{ID: gatekeeper.MetricAutomationBypass, Name: "gatekeeper_automation_bypass_total", Help: "Automation requests admitted by token."},
}

var HistogramDefs = []Def{
	{ID: gatekeeper.MetricAuthorizeLatency, Name: "gatekeeper_authorize_latency_seconds", Help: "Time spent deciding one request."},
}

// BucketCount matches the in-process histogram layout.
const BucketCount = 8

var HistogramBounds = [BucketCount]string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix spells the bounds for instrument names that cannot
// carry dots.
var HistogramBoundSuffix = [BucketCount]string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding missing buckets
// with zero.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
