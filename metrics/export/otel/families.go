package otel

import "github.com/MrEthical07/gatekeeper"

// Family folds related engine counters into one instrument. Each member is
// one attribute value on that instrument.
type Family struct {
	Name      string
	Unit      string
	Help      string
	Attribute string
	Members   []Member
}

// Member binds an engine counter to its attribute value.
type Member struct {
	ID    gatekeeper.MetricID
	Value string
}

// Histogram names a latency histogram.
type Histogram struct {
	ID   gatekeeper.MetricID
	Name string
	Help string
}

// Families covers every engine counter exactly once.
var Families = []Family{
	{
		Name: "gatekeeper.login", Unit: "{attempt}", Attribute: "outcome",
		Help: "Password sign-in attempts by outcome.",
		Members: []Member{
			{gatekeeper.MetricLoginSuccess, "success"},
			{gatekeeper.MetricLoginFailure, "failure"},
			{gatekeeper.MetricAccountLocked, "locked"},
			{gatekeeper.MetricTOTPRequired, "totp_required"},
			{gatekeeper.MetricPolicyDenied, "policy_denied"},
		},
	},
	{
		Name: "gatekeeper.totp", Unit: "{code}", Attribute: "outcome",
		Help: "Submitted TOTP codes by outcome.",
		Members: []Member{
			{gatekeeper.MetricTOTPSuccess, "success"},
			{gatekeeper.MetricTOTPFailure, "failure"},
		},
	},
	{
		Name: "gatekeeper.device", Unit: "{device}", Attribute: "state",
		Help: "Device trust decisions.",
		Members: []Member{
			{gatekeeper.MetricDevicePending, "pending"},
			{gatekeeper.MetricDeviceApproved, "approved"},
		},
	},
	{
		Name: "gatekeeper.password", Unit: "{event}", Attribute: "event",
		Help: "Password lifecycle events.",
		Members: []Member{
			{gatekeeper.MetricPasswordRehashed, "rehashed"},
			{gatekeeper.MetricPasswordExpired, "expired"},
			{gatekeeper.MetricPasswordChangeSuccess, "changed"},
			{gatekeeper.MetricPasswordChangeRejected, "change_rejected"},
		},
	},
	{
		Name: "gatekeeper.registration", Unit: "{account}", Attribute: "state",
		Help: "Self-service registrations.",
		Members: []Member{
			{gatekeeper.MetricRegistration, "pending"},
		},
	},
	{
		Name: "gatekeeper.session", Unit: "{session}", Attribute: "event",
		Help: "Session starts and endings.",
		Members: []Member{
			{gatekeeper.MetricSessionCreated, "created"},
			{gatekeeper.MetricSessionReplaced, "replaced"},
			{gatekeeper.MetricSessionIdle, "idle"},
			{gatekeeper.MetricSessionTerminated, "terminated"},
			{gatekeeper.MetricLogout, "logout"},
		},
	},
	{
		Name: "gatekeeper.certificate", Unit: "{login}", Attribute: "outcome",
		Help: "Certificate logins by outcome.",
		Members: []Member{
			{gatekeeper.MetricCertificateApproved, "approved"},
			{gatekeeper.MetricCertificatePending, "pending"},
			{gatekeeper.MetricCertificateDenied, "denied"},
			{gatekeeper.MetricCertificateInvalid, "invalid"},
			{gatekeeper.MetricCertificateMissing, "missing"},
			{gatekeeper.MetricAdminBootstrap, "admin_bootstrap"},
		},
	},
	{
		Name: "gatekeeper.guard", Unit: "{request}", Attribute: "decision",
		Help: "Access guard decisions.",
		Members: []Member{
			{gatekeeper.MetricGuardPublic, "public"},
			{gatekeeper.MetricGuardAuthenticated, "authenticated"},
			{gatekeeper.MetricGuardIntercepted, "intercepted"},
			{gatekeeper.MetricGuardForbidden, "forbidden"},
			{gatekeeper.MetricAutomationBypass, "automation"},
		},
	},
}

var Histograms = []Histogram{
	{ID: gatekeeper.MetricAuthorizeLatency, Name: "gatekeeper.authorize.latency", Help: "Seconds spent deciding one request."},
}
