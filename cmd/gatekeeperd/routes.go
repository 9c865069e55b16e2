package main

import (
	"net/http"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/middleware"
)

func act(subject, verb string) gatekeeper.Action {
	return gatekeeper.Action{Subject: subject, Verb: verb}
}

// actionMap binds every served path to the action the guard evaluates.
func actionMap(cfg Config) *middleware.ActionMap {
	m := middleware.NewActionMap().
		Handle("GET /auth/login", act("auth", "login_form")).
		Handle("POST /auth/login", act("auth", "login")).
		Handle("GET /auth/totp", act("auth", "totp_form")).
		Handle("POST /auth/totp", act("auth", "totp")).
		Handle("GET /auth/pending", act("auth", "pending")).
		Handle("POST /auth/logout", act("auth", "logout")).
		Handle("GET /auth/heartbeat", act("auth", "heartbeat")).
		Handle("GET /auth/certificate", actionCertificate).
		Handle("GET /auth/register", act("auth", "register_form")).
		Handle("POST /auth/register", act("auth", "register")).
		Handle("GET /{$}", act("dashboard", "landing")).
		Handle("GET /profile", act("profile", "show")).
		Handle("POST /profile/password", act("profile", "update_password")).
		Handle("POST /profile/totp/setup", act("profile", "begin_totp")).
		Handle("POST /profile/totp/confirm", act("profile", "confirm_totp")).
		Handle("GET /admin/access-requests", act("access_requests", "index")).
		Handle("POST /admin/access-requests/{id}/approve", act("access_requests", "approve")).
		Handle("POST /admin/access-requests/{id}/deny", act("access_requests", "deny")).
		Handle("POST /admin/users/{id}/approve", act("access_requests", "approve_login")).
		Handle("POST /admin/users/{id}/deny", act("access_requests", "deny_login")).
		Handle("POST /admin/users/{id}/permissions", act("access_requests", "update_permissions")).
		Handle("POST /admin/users/{id}/access-window", act("access_requests", "update_access_window")).
		Handle("POST /admin/users/{id}/force-off", act("access_requests", "force_logout")).
		Handle("POST /admin/users/{id}/reset-password", act("access_requests", "reset_password")).
		Handle("POST /admin/users/{id}/unlock", act("access_requests", "unlock")).
		Handle("POST /admin/users/{id}/activate", act("access_requests", "activate")).
		Handle("POST /admin/users/{id}/deactivate", act("access_requests", "deactivate")).
		Handle("POST /admin/users/{id}/totp/disable", act("access_requests", "disable_totp")).
		Handle("GET /admin/users/{id}/devices", act("access_requests", "devices")).
		Handle("POST /admin/users/{id}/devices/{device}/approve", act("access_requests", "approve_device"))
	if cfg.Metrics.Path != "" {
		m.Handle("GET "+cfg.Metrics.Path, actionMetrics)
	}
	if cfg.Metrics.OTel.Enabled && cfg.Metrics.OTel.Path != "" {
		m.Handle("GET "+cfg.Metrics.OTel.Path, actionMetrics)
	}
	return m
}

// routes mirrors actionMap with the handlers. The guard has already run
// when these are reached.
func (a *app) routes() *http.ServeMux {
	h := &handlers{app: a}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth/login", h.loginForm)
	mux.HandleFunc("POST /auth/login", h.login)
	mux.HandleFunc("GET /auth/totp", h.totpForm)
	mux.HandleFunc("POST /auth/totp", h.verifyTOTP)
	mux.HandleFunc("GET /auth/pending", h.pending)
	mux.HandleFunc("POST /auth/logout", h.logout)
	mux.HandleFunc("GET /auth/heartbeat", h.heartbeat)
	mux.HandleFunc("GET /auth/certificate", h.certificate)
	mux.HandleFunc("GET /auth/register", h.registerForm)
	mux.HandleFunc("POST /auth/register", h.register)
	mux.HandleFunc("GET /{$}", h.landing)

	mux.HandleFunc("GET /profile", h.profile)
	mux.HandleFunc("POST /profile/password", h.changePassword)
	mux.HandleFunc("POST /profile/totp/setup", h.beginTOTP)
	mux.HandleFunc("POST /profile/totp/confirm", h.confirmTOTP)

	mux.HandleFunc("GET /admin/access-requests", h.listAccessRequests)
	mux.HandleFunc("POST /admin/access-requests/{id}/approve", h.approveAccessRequest)
	mux.HandleFunc("POST /admin/access-requests/{id}/deny", h.denyAccessRequest)
	mux.HandleFunc("POST /admin/users/{id}/approve", h.approveAccount)
	mux.HandleFunc("POST /admin/users/{id}/deny", h.denyAccount)
	mux.HandleFunc("POST /admin/users/{id}/permissions", h.setPermissions)
	mux.HandleFunc("POST /admin/users/{id}/access-window", h.setAccessWindow)
	mux.HandleFunc("POST /admin/users/{id}/force-off", h.forceLogout)
	mux.HandleFunc("POST /admin/users/{id}/reset-password", h.resetPassword)
	mux.HandleFunc("POST /admin/users/{id}/unlock", h.unlock)
	mux.HandleFunc("POST /admin/users/{id}/activate", h.setStatus(true))
	mux.HandleFunc("POST /admin/users/{id}/deactivate", h.setStatus(false))
	mux.HandleFunc("POST /admin/users/{id}/totp/disable", h.disableTOTP)
	mux.HandleFunc("GET /admin/users/{id}/devices", h.listDevices)
	mux.HandleFunc("POST /admin/users/{id}/devices/{device}/approve", h.approveDevice)

	if a.cfg.Metrics.Path != "" {
		mux.Handle("GET "+a.cfg.Metrics.Path, a.exporter.Handler())
	}
	if a.otel != nil && a.cfg.Metrics.OTel.Path != "" {
		mux.Handle("GET "+a.cfg.Metrics.OTel.Path, a.otel.Handler())
	}
	return mux
}
