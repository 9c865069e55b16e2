package gatekeeper

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/gatekeeper/certificate"
)

var (
	// ErrInvalidCertificate is returned when presented certificate material cannot be decoded or is
	// outside its validity window.
	ErrInvalidCertificate = certificate.ErrInvalidCertificate
	// ErrPolicyViolation is the root of every user-facing policy refusal (lockout, access window,
	// device trust, inactive account).
	ErrPolicyViolation = errors.New("policy violation")
	// ErrForbidden is returned when an authenticated caller lacks the admin role or a permission.
	ErrForbidden = errors.New("forbidden")
	// ErrSessionInvalidated is the root of every forced logout caused by token reconciliation or
	// inactivity.
	ErrSessionInvalidated = errors.New("session invalidated")

	// ErrInvalidCredentials is an exported constant or variable used by the authentication engine.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is an exported constant or variable used by the authentication engine.
	ErrAccountLocked = fmt.Errorf("%w: account locked", ErrPolicyViolation)
	// ErrAccessWindowClosed is an exported constant or variable used by the authentication engine.
	ErrAccessWindowClosed = fmt.Errorf("%w: outside access window", ErrPolicyViolation)
	// ErrDeviceNotTrusted is an exported constant or variable used by the authentication engine.
	ErrDeviceNotTrusted = fmt.Errorf("%w: device not trusted", ErrPolicyViolation)
	// ErrAccountInactive is an exported constant or variable used by the authentication engine.
	ErrAccountInactive = fmt.Errorf("%w: account inactive", ErrPolicyViolation)
	// ErrPasswordPolicy is returned by password changes and registration when the candidate fails the
	// password rules.
	ErrPasswordPolicy = fmt.Errorf("%w: password rules", ErrPolicyViolation)

	// ErrSessionReplaced is returned when another login replaced the server-side token.
	ErrSessionReplaced = fmt.Errorf("%w: replaced by a newer login", ErrSessionInvalidated)
	// ErrSessionTerminated is returned when an administrator ended the session.
	ErrSessionTerminated = fmt.Errorf("%w: terminated by administrator", ErrSessionInvalidated)
	// ErrSessionIdle is returned when the inactivity timeout elapsed.
	ErrSessionIdle = fmt.Errorf("%w: inactivity timeout", ErrSessionInvalidated)

	// ErrTOTPNotPending is returned by VerifyTOTP when no login is waiting for a second factor.
	ErrTOTPNotPending = errors.New("no pending totp challenge")
	// ErrTOTPSetupMissing is returned when a setup confirmation arrives without a provisional secret.
	ErrTOTPSetupMissing = errors.New("totp setup not started")
	// ErrTOTPInvalid is an exported constant or variable used by the authentication engine.
	ErrTOTPInvalid = errors.New("invalid totp code")

	// ErrAccountNotFound is returned by AccountStore lookups that match nothing.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned by registration when an active account owns the email.
	ErrAccountExists = errors.New("account already exists")
	// ErrRegistrationPending is returned by registration when the email is already awaiting approval.
	ErrRegistrationPending = errors.New("registration already pending")
	// ErrDeviceNotFound is returned by DeviceStore lookups that match nothing.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrAccessRequestNotFound is returned by AccessRequestStore lookups that match nothing.
	ErrAccessRequestNotFound = errors.New("access request not found")
	// ErrAccessRequestDecided is returned when approving or denying a request that is no longer pending.
	ErrAccessRequestDecided = errors.New("access request already decided")
	// ErrInvalidRegistration is returned when a registration lacks a usable name or email.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrAccountNotPending is returned when approving or denying a self-registration that is no longer pending.
	ErrAccountNotPending = errors.New("account not pending approval")
	// ErrInvalidAccessWindow is returned when an access window sets only one bound or equal bounds.
	ErrInvalidAccessWindow = errors.New("invalid access window")
	// ErrAdminProtected is returned by admin operations that refuse to act on administrator accounts.
	ErrAdminProtected = errors.New("operation not allowed on administrator accounts")

	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")

	errNilSessionContext = errors.New("gatekeeper: nil session context")
)

// FeedbackError is a refusal that carries a message meant for the end user.
// Reason is the sentinel it wraps, so errors.Is keeps working.
type FeedbackError struct {
	Message string
	Reason  error
}

func (e *FeedbackError) Error() string {
	if e.Reason == nil {
		return e.Message
	}
	return e.Reason.Error() + ": " + e.Message
}

func (e *FeedbackError) Unwrap() error { return e.Reason }

func feedback(reason error, message string) error {
	return &FeedbackError{Message: message, Reason: reason}
}
