package gatekeeper

import (
	"context"
	"errors"
	"strconv"

	internalaudit "github.com/MrEthical07/gatekeeper/internal/audit"
)

const (
	auditEventLoginSuccess            = "login_success"
	auditEventLoginFailure            = "login_failure"
	auditEventLoginLocked             = "login_locked"
	auditEventLoginPolicyDenied       = "login_policy_denied"
	auditEventTOTPRequired            = "totp_required"
	auditEventTOTPSuccess             = "totp_success"
	auditEventTOTPFailure             = "totp_failure"
	auditEventTOTPEnabled             = "totp_enabled"
	auditEventTOTPDisabled            = "totp_disabled"
	auditEventPasswordRehashed        = "password_rehashed"
	auditEventPasswordChangeSuccess   = "password_change_success"
	auditEventPasswordChangeFailure   = "password_change_failure"
	auditEventRegistration            = "registration_pending"
	auditEventSessionInvalidated      = "session_invalidated"
	auditEventLogout                  = "logout"
	auditEventSessionsTerminated      = "sessions_terminated"
	auditEventAccountUnlocked         = "account_unlocked"
	auditEventAccountApproved         = "account_approved"
	auditEventAccountDenied           = "account_denied"
	auditEventAccountStatusChanged    = "account_status_changed"
	auditEventPermissionsUpdated      = "permissions_updated"
	auditEventAccessPolicyUpdated     = "access_policy_updated"
	auditEventPasswordReset           = "password_reset"
	auditEventDevicePending           = "device_pending"
	auditEventDeviceApproved          = "device_approved"
	auditEventCertificateApproved     = "certificate_approved"
	auditEventCertificatePending      = "certificate_pending"
	auditEventCertificateDenied       = "certificate_denied"
	auditEventCertificateInvalid      = "certificate_invalid"
	auditEventAdminBootstrap          = "admin_bootstrap"
	auditEventAccessRequestApproved   = "access_request_approved"
	auditEventAccessRequestDenied     = "access_request_denied"
	auditEventGuardForbidden          = "guard_forbidden"
	auditEventAutomationTokenAccepted = "automation_token_accepted"
)

// AuditErrorCode is the stable reason recorded on failed audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked      AuditErrorCode = "account_locked"
	auditErrAccessWindow       AuditErrorCode = "access_window"
	auditErrDeviceNotTrusted   AuditErrorCode = "device_not_trusted"
	auditErrAccountInactive    AuditErrorCode = "account_inactive"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrSessionReplaced    AuditErrorCode = "session_replaced"
	auditErrSessionTerminated  AuditErrorCode = "session_terminated"
	auditErrSessionIdle        AuditErrorCode = "session_idle"
	auditErrTOTPInvalid        AuditErrorCode = "totp_invalid"
	auditErrTOTPNotPending     AuditErrorCode = "totp_not_pending"
	auditErrInvalidCertificate AuditErrorCode = "invalid_certificate"
	auditErrForbidden          AuditErrorCode = "forbidden"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	accountID int64,
	ip string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := internalaudit.Event{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		IP:        ip,
		Success:   success,
		Metadata:  metadata,
	}
	if accountID > 0 {
		event.AccountID = strconv.FormatInt(accountID, 10)
	}
	if code := auditErrorCode(err); code != "" {
		event.Reason = string(code)
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrAccessWindowClosed):
		return auditErrAccessWindow
	case errors.Is(err, ErrDeviceNotTrusted):
		return auditErrDeviceNotTrusted
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrSessionReplaced):
		return auditErrSessionReplaced
	case errors.Is(err, ErrSessionTerminated):
		return auditErrSessionTerminated
	case errors.Is(err, ErrSessionIdle):
		return auditErrSessionIdle
	case errors.Is(err, ErrTOTPInvalid):
		return auditErrTOTPInvalid
	case errors.Is(err, ErrTOTPNotPending):
		return auditErrTOTPNotPending
	case errors.Is(err, ErrInvalidCertificate):
		return auditErrInvalidCertificate
	case errors.Is(err, ErrForbidden):
		return auditErrForbidden
	default:
		return auditErrInternal
	}
}
