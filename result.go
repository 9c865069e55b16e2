package gatekeeper

import "net/http"

// AttemptResult is the outcome of Attempt and VerifyTOTP. It is exactly one
// of AttemptSuccess, AttemptPendingTOTP or AttemptFailure; callers switch on
// the concrete type.
type AttemptResult interface {
	attemptResult()
}

// AttemptSuccess means the session was established for AccountID.
type AttemptSuccess struct {
	AccountID int64
	// PasswordExpired is true when the next non-exempt action will be
	// redirected to the password change page.
	PasswordExpired bool
}

// AttemptPendingTOTP means the password was accepted and a TOTP code is
// required before the session is established.
type AttemptPendingTOTP struct{}

// AttemptFailure carries the user-facing message. Reason is one of
// ErrInvalidCredentials, ErrTOTPInvalid, ErrTOTPNotPending or an
// ErrPolicyViolation error.
type AttemptFailure struct {
	Message string
	Reason  error
}

func (AttemptSuccess) attemptResult()     {}
func (AttemptPendingTOTP) attemptResult() {}
func (AttemptFailure) attemptResult()     {}

// CertificateStatus is the decision for a presented client certificate.
type CertificateStatus string

const (
	// CertificateMissing is an exported constant or variable used by the authentication engine.
	CertificateMissing CertificateStatus = "missing"
	// CertificateInvalid is an exported constant or variable used by the authentication engine.
	CertificateInvalid CertificateStatus = "invalid"
	// CertificateDenied is an exported constant or variable used by the authentication engine.
	CertificateDenied CertificateStatus = "denied"
	// CertificateApproved is an exported constant or variable used by the authentication engine.
	CertificateApproved CertificateStatus = "approved"
	// CertificatePending is an exported constant or variable used by the authentication engine.
	CertificatePending CertificateStatus = "pending"
)

// CertificateResult is the outcome of AuthenticateCertificate. User is set
// for approved results, Request for pending ones.
type CertificateResult struct {
	Status      CertificateStatus
	Message     string
	Fingerprint string
	User        *User
	Request     *CertificateAccessRequest
}

// Verdict is the Access Guard decision: exactly one of Public, Authenticated
// or Intercepted.
type Verdict interface {
	verdict()
}

// Public lets the request through without an authenticated caller.
type Public struct{}

// Authenticated lets the request through as User.
type Authenticated struct {
	User *User
}

// Intercepted stops the request with Response.
type Intercepted struct {
	Response Interception
}

func (Public) verdict()        {}
func (Authenticated) verdict() {}
func (Intercepted) verdict()   {}

// InterceptionKind enumerates the responses of an Intercepted verdict.
type InterceptionKind int

const (
	// RedirectLogin is an exported constant or variable used by the authentication engine.
	RedirectLogin InterceptionKind = iota
	// RedirectTOTP is an exported constant or variable used by the authentication engine.
	RedirectTOTP
	// RedirectPasswordChange is an exported constant or variable used by the authentication engine.
	RedirectPasswordChange
	// Forbidden is an exported constant or variable used by the authentication engine.
	Forbidden
)

func (k InterceptionKind) String() string {
	switch k {
	case RedirectLogin:
		return "redirect_login"
	case RedirectTOTP:
		return "redirect_totp"
	case RedirectPasswordChange:
		return "redirect_password_change"
	case Forbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Interception is the response of an Intercepted verdict. Location is set for
// redirects, Message for Forbidden.
type Interception struct {
	Kind     InterceptionKind
	Location string
	Message  string
}

// StatusCode maps the interception to an HTTP status.
func (i Interception) StatusCode() int {
	if i.Kind == Forbidden {
		return http.StatusForbidden
	}
	return http.StatusFound
}
