package gatekeeper

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/MrEthical07/gatekeeper/permission"
)

// AnyVerb is the wildcard verb in RoutePolicy.Permissions.
const AnyVerb = "*"

// Action names the handler a request targets: a subject (module) and a verb
// (operation).
type Action struct {
	Subject string
	Verb    string
}

func (a Action) String() string {
	return a.Subject + "." + a.Verb
}

// LandingTarget is one candidate of DefaultLanding: Path opens when the user
// holds any of Permissions.
type LandingTarget struct {
	Path        string
	Permissions []string
}

// RoutePolicy is the static table the Access Guard evaluates.
type RoutePolicy struct {
	// Public actions pass without a caller.
	Public map[Action]bool
	// Automation actions also pass with the automation token.
	Automation map[Action]bool
	// AdminSubjects are reserved to administrators.
	AdminSubjects map[string]bool
	// PasswordExempt actions stay reachable while the password is expired.
	PasswordExempt map[Action]bool
	// Permissions maps an action to its requirement. A missing verb falls
	// back to the AnyVerb entry of the subject; a missing subject requires
	// nothing beyond authentication.
	Permissions map[Action]permission.Requirement

	LoginPath          string
	TOTPPath           string
	PasswordChangePath string

	// Landing is walked in order by DefaultLanding.
	Landing []LandingTarget
}

// requirementFor returns the requirement of a, honoring the AnyVerb fallback.
func (p *RoutePolicy) requirementFor(a Action) permission.Requirement {
	if r, ok := p.Permissions[a]; ok {
		return r
	}
	if r, ok := p.Permissions[Action{Subject: a.Subject, Verb: AnyVerb}]; ok {
		return r
	}
	return permission.None()
}

func (p RoutePolicy) clone() RoutePolicy {
	out := p
	out.Public = maps.Clone(p.Public)
	out.Automation = maps.Clone(p.Automation)
	out.AdminSubjects = maps.Clone(p.AdminSubjects)
	out.PasswordExempt = maps.Clone(p.PasswordExempt)
	out.Permissions = maps.Clone(p.Permissions)
	out.Landing = make([]LandingTarget, len(p.Landing))
	for i, t := range p.Landing {
		out.Landing[i] = LandingTarget{Path: t.Path, Permissions: slices.Clone(t.Permissions)}
	}
	return out
}

// validate checks redirect paths and that every referenced key exists in catalog.
func (p *RoutePolicy) validate(catalog *permission.Catalog) error {
	if p.LoginPath == "" || p.TOTPPath == "" || p.PasswordChangePath == "" {
		return errors.New("route policy: login, totp and password change paths are required")
	}
	for action, req := range p.Permissions {
		for _, key := range req.Keys() {
			if !catalog.Has(key) {
				return fmt.Errorf("route policy: %s requires unknown permission %q", action, key)
			}
		}
	}
	for _, t := range p.Landing {
		for _, key := range t.Permissions {
			if !catalog.Has(key) {
				return fmt.Errorf("route policy: landing %s uses unknown permission %q", t.Path, key)
			}
		}
	}
	return nil
}

func actionSet(subject string, verbs ...string) map[Action]bool {
	out := make(map[Action]bool, len(verbs))
	for _, v := range verbs {
		out[Action{Subject: subject, Verb: v}] = true
	}
	return out
}

func mergeActionSets(sets ...map[Action]bool) map[Action]bool {
	out := make(map[Action]bool)
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

func requireAll(perms map[Action]permission.Requirement, subject string, req permission.Requirement, verbs ...string) {
	for _, v := range verbs {
		perms[Action{Subject: subject, Verb: v}] = req
	}
}

// DefaultRoutePolicy returns the back-office route table.
func DefaultRoutePolicy() RoutePolicy {
	perms := make(map[Action]permission.Requirement)

	requireAll(perms, "dashboard", permission.Single("dashboard.overview"), "index")

	perms[Action{Subject: "finance", Verb: "overview"}] = permission.AnyOf("finance.overview", "dashboard.overview")
	perms[Action{Subject: "finance", Verb: "calendar"}] = permission.AnyOf("finance.calendar", "finance.overview")
	perms[Action{Subject: "finance", Verb: "accounts"}] = permission.AnyOf("finance.accounts", "finance.overview")
	requireAll(perms, "finance", permission.Single("finance.accounts"),
		"manage_accounts", "create_account", "store_account", "edit_account", "update_account", "delete_account",
		"cost_centers", "store_cost_center", "edit_cost_center", "update_cost_center", "delete_cost_center",
		"transactions", "create_transaction", "store_transaction", "edit_transaction", "update_transaction", "delete_transaction")
	requireAll(perms, "finance_import", permission.Single("finance.accounts"),
		"index", "create", "store", "show", "retry", "cancel", "import_rows", "skip_row")

	requireAll(perms, "automation", permission.Single("automation.control"), "start")

	perms[Action{Subject: "crm", Verb: "index"}] = permission.AnyOf(
		"crm.overview",
		"crm.dashboard.metrics",
		"crm.dashboard.alerts",
		"crm.dashboard.performance",
		"crm.dashboard.partners",
		"crm.import",
	)
	requireAll(perms, "crm", permission.Single("crm.import"), "import")
	requireAll(perms, "crm", permission.Single("crm.clients"),
		"clients", "contact_search", "create_client", "check_client", "lookup_titular", "store_client", "show_client", "update_client")
	requireAll(perms, "crm", permission.Single("crm.off"), "off_clients", "move_client_off", "restore_client")

	requireAll(perms, "partners", permission.Single("crm.partners"), "index", "store")
	requireAll(perms, "social_accounts", permission.Single("social_accounts.manage"), "index", "store")
	requireAll(perms, "campaigns", permission.Single("campaigns.email"), "email", "create_email_campaign")
	requireAll(perms, "templates", permission.Single("templates.library"),
		"index", "create", "store", "edit", "update", "destroy")

	requireAll(perms, "marketing", permission.Single("marketing.lists"),
		"lists", "create_list", "store_list", "edit_list", "update_list", "archive_list")
	requireAll(perms, "marketing", permission.Single("marketing.segments"),
		"segments", "create_segment", "store_segment", "edit_segment", "update_segment", "delete_segment")
	requireAll(perms, "marketing", permission.Single("marketing.email_accounts"),
		"email_accounts", "create_email_account", "store_email_account", "edit_email_account", "update_email_account", "archive_email_account")

	requireAll(perms, "rfb_base", permission.Single("rfb.base"), "index", "update_status")
	requireAll(perms, "config", permission.Single("config.manage"),
		"index", "update_email", "update_theme", "update_security", "store_social_account", "upload_rfb_base",
		"export_client_backup", "export_import_template", "import_client_spreadsheet", "factory_reset")
	requireAll(perms, "backup", permission.Single("config.manage"),
		"index", "create_full", "create_incremental", "restore", "prune", "download")
	requireAll(perms, "agenda", permission.Single("crm.agenda"), "index", "update_config")
	requireAll(perms, "whatsapp", permission.Single("whatsapp.access"),
		"index", "config", "send_message", "save_integration", "copilot_suggestion")

	return RoutePolicy{
		Public: mergeActionSets(
			actionSet("auth", "login_form", "login", "totp_form", "totp", "pending", "logout", "register_form", "register"),
			actionSet("chat", "external_thread", "external_status", "external_messages", "send_external_message"),
			actionSet("marketing_consent", "show", "update", "download_logs"),
			actionSet("whatsapp", "webhook", "verify_webhook"),
			actionSet("whatsapp_alt", "webhook"),
		),
		Automation:    actionSet("marketing_automation", "email_options", "schedule_email"),
		AdminSubjects: map[string]bool{"access_requests": true, "chat_admin": true},
		PasswordExempt: mergeActionSets(
			actionSet("profile", "show", "update_password"),
			actionSet("auth", "logout", "heartbeat"),
		),
		Permissions:        perms,
		LoginPath:          "/auth/login",
		TOTPPath:           "/auth/totp",
		PasswordChangePath: "/profile",
		Landing: []LandingTarget{
			{Path: "/crm", Permissions: []string{
				"crm.overview",
				"crm.dashboard.metrics",
				"crm.dashboard.alerts",
				"crm.dashboard.performance",
				"crm.dashboard.partners",
				"crm.import",
			}},
			{Path: "/crm/clients", Permissions: []string{"crm.clients"}},
			{Path: "/crm/partners", Permissions: []string{"crm.partners"}},
			{Path: "/crm/clients/off", Permissions: []string{"crm.off"}},
			{Path: "/campaigns/email", Permissions: []string{"campaigns.email"}},
			{Path: "/social-accounts", Permissions: []string{"social_accounts.manage"}},
			{Path: "/templates", Permissions: []string{"templates.library"}},
			{Path: "/config", Permissions: []string{"config.manage"}},
		},
	}
}
