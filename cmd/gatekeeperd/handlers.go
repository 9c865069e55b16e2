package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/MrEthical07/gatekeeper/middleware"
	"go.uber.org/zap"
)

const (
	csrfHeader   = "X-CSRF-Token"
	csrfField    = "_token"
	maxBodyBytes = 1 << 20
)

type handlers struct {
	app *app
}

func (h *handlers) engine() *gatekeeper.Engine { return h.app.engine }

func state(r *http.Request) *middleware.State {
	st, _ := middleware.StateFromContext(r.Context())
	return st
}

// ----- auth -----

func (h *handlers) loginForm(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	token, err := h.engine().CSRFToken(st.Session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": token,
		"notice":     h.engine().TakeNotice(st.Session),
	})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	email := in.Get("email")
	if h.throttled(w, r, email) {
		return
	}
	res, err := h.engine().Attempt(r.Context(), st.Session, st.Request, email, in.Get("password"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.recordAttempt(r, email, res)
	h.writeAttempt(w, r, res)
}

func (h *handlers) totpForm(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	if !h.engine().HasPendingTOTP(st.Session) {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}
	token, err := h.engine().CSRFToken(st.Session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": token, "pending": true})
}

func (h *handlers) verifyTOTP(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	pendingID := "totp:" + st.Session.ID()
	if h.throttled(w, r, pendingID) {
		return
	}
	res, err := h.engine().VerifyTOTP(r.Context(), st.Session, st.Request, in.Get("code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.recordAttempt(r, pendingID, res)
	h.writeAttempt(w, r, res)
}

func (h *handlers) certificate(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	res, attempt, err := h.engine().LoginWithCertificate(r.Context(), st.Session, st.Request)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	switch res.Status {
	case gatekeeper.CertificateApproved:
		h.writeAttempt(w, r, attempt)
	case gatekeeper.CertificatePending:
		body := map[string]any{"status": string(res.Status), "message": res.Message, "location": "/auth/pending"}
		if res.Request != nil {
			body["request_id"] = res.Request.ID
		}
		writeJSON(w, http.StatusAccepted, body)
	case gatekeeper.CertificateMissing:
		writeJSON(w, http.StatusUnauthorized, errorBody(string(res.Status), res.Message))
	case gatekeeper.CertificateInvalid:
		writeJSON(w, http.StatusBadRequest, errorBody(string(res.Status), res.Message))
	default:
		writeJSON(w, http.StatusForbidden, errorBody(string(res.Status), res.Message))
	}
}

func (h *handlers) pending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "pending",
		"message": "Access pending administrator approval.",
	})
}

func (h *handlers) registerForm(w http.ResponseWriter, r *http.Request) {
	token, err := h.engine().CSRFToken(state(r).Session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": token})
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	err := h.engine().RegisterPendingUser(r.Context(), gatekeeper.RegistrationRequest{
		Name:     in.Get("name"),
		Email:    in.Get("email"),
		Password: in.Get("password"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "pending", "location": "/auth/pending"})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	if _, ok := h.input(w, r); !ok {
		return
	}
	if err := h.engine().Logout(r.Context(), st.Session, gatekeeper.LogoutOptions{}); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out", "location": "/auth/login"})
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	remaining, ok := h.engine().InactivityRemaining(state(r).Session)
	body := map[string]any{"active": ok}
	if ok {
		body["remaining_seconds"] = int64(remaining.Seconds())
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) landing(w http.ResponseWriter, r *http.Request) {
	u := state(r).User
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    newUserView(u),
		"landing": h.engine().DefaultLanding(u),
	})
}

// throttled writes a refusal when identifier or the client IP spent its
// sign-in budget.
func (h *handlers) throttled(w http.ResponseWriter, r *http.Request, identifier string) bool {
	if h.app.throttle == nil {
		return false
	}
	err := h.app.throttle.Check(r.Context(), identifier, state(r).Request.ClientIP)
	switch {
	case err == nil:
		return false
	case errors.Is(err, rate.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody("rate_limited", "Too many attempts. Try again later."))
	default:
		h.app.logger.Error("throttle check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorBody("unavailable", ""))
	}
	return true
}

// recordAttempt counts failures and clears the counters on success.
func (h *handlers) recordAttempt(r *http.Request, identifier string, res gatekeeper.AttemptResult) {
	if h.app.throttle == nil {
		return
	}
	ip := state(r).Request.ClientIP
	var err error
	switch res.(type) {
	case gatekeeper.AttemptFailure:
		err = h.app.throttle.Fail(r.Context(), identifier, ip)
	case gatekeeper.AttemptSuccess:
		err = h.app.throttle.Reset(r.Context(), identifier, ip)
	}
	if err != nil && !errors.Is(err, rate.ErrRateLimited) {
		h.app.logger.Warn("throttle update failed", zap.Error(err))
	}
}

// writeAttempt renders a login outcome. A nil result is a refusal that the
// caller already described.
func (h *handlers) writeAttempt(w http.ResponseWriter, r *http.Request, res gatekeeper.AttemptResult) {
	st := state(r)
	switch v := res.(type) {
	case gatekeeper.AttemptSuccess:
		token, err := h.engine().CSRFToken(st.Session)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		location := h.engine().TakeIntendedLocation(st.Session)
		if v.PasswordExpired {
			location = "/profile"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "authenticated",
			"account_id": v.AccountID,
			"location":   location,
			"csrf_token": token,
		})
	case gatekeeper.AttemptPendingTOTP:
		writeJSON(w, http.StatusOK, map[string]any{"status": "totp_required", "location": "/auth/totp"})
	case gatekeeper.AttemptFailure:
		status := http.StatusUnauthorized
		if errors.Is(v.Reason, gatekeeper.ErrPolicyViolation) {
			status = http.StatusForbidden
		}
		writeJSON(w, status, errorBody("login_failed", v.Message))
	default:
		writeJSON(w, http.StatusForbidden, errorBody("login_failed", ""))
	}
}

// ----- profile -----

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	devices, err := h.engine().ListDevices(r.Context(), st.User.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	token, err := h.engine().CSRFToken(st.Session)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":                     newUserView(st.User),
		"devices":                  newDeviceViews(devices),
		"password_change_required": h.engine().PasswordRequiresChange(st.Session),
		"password_feedback":        h.engine().TakePasswordFeedback(st.Session),
		"csrf_token":               token,
	})
}

func (h *handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	if next := in.Get("password"); next != in.Get("password_confirmation") && in.Has("password_confirmation") {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("validation", "The password confirmation does not match."))
		return
	}
	err := h.engine().ChangePassword(r.Context(), st.Session, st.User.ID, in.Get("current_password"), in.Get("password"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": h.engine().TakePasswordFeedback(st.Session)})
}

func (h *handlers) beginTOTP(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	if _, ok := h.input(w, r); !ok {
		return
	}
	setup, err := h.engine().BeginTOTPSetup(r.Context(), st.Session, st.User.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *handlers) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	st := state(r)
	in, ok := h.input(w, r)
	if !ok {
		return
	}
	if err := h.engine().CompleteTOTPSetup(r.Context(), st.Session, st.User.ID, in.Get("code")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totp_enabled": true})
}

// ----- administration -----

func (h *handlers) listAccessRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	pending, err := h.engine().ListPendingAccessRequests(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	recent, err := h.engine().ListRecentAccessDecisions(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": newAccessRequestViews(pending),
		"recent":  newAccessRequestViews(recent),
	})
}

func (h *handlers) approveAccessRequest(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	user, err := h.engine().ApproveAccessRequest(r.Context(), id, actor(r), in.Get("reason"), in["permissions"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserView(user)})
}

func (h *handlers) denyAccessRequest(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().DenyAccessRequest(r.Context(), id, actor(r), in.Get("reason")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(gatekeeper.AccessRequestDenied)})
}

func (h *handlers) approveAccount(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	user, err := h.engine().ApprovePendingAccount(r.Context(), id, actor(r), in["permissions"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": newUserView(user)})
}

func (h *handlers) denyAccount(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().DenyPendingAccount(r.Context(), id, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "denied"})
}

func (h *handlers) setPermissions(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	granted, err := h.engine().SetPermissions(r.Context(), id, in["permissions"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if granted == nil {
		granted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": granted})
}

func (h *handlers) setAccessWindow(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	start, err := parseClock(in.Get("start"))
	if err == nil {
		var end *int
		end, err = parseClock(in.Get("end"))
		if err == nil {
			err = h.engine().SetAccessRestrictions(r.Context(), id, gatekeeper.AccessRestrictions{
				StartMinutes:       start,
				EndMinutes:         end,
				RequireKnownDevice: truthy(in.Get("require_known_device")),
			})
		}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (h *handlers) forceLogout(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().TerminateSessions(r.Context(), id, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	removed := h.destroySessions(r, id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "terminated", "sessions_removed": removed})
}

func (h *handlers) resetPassword(w http.ResponseWriter, r *http.Request) {
	id, in, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().ResetPassword(r.Context(), id, in.Get("password"), actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	h.destroySessions(r, id)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (h *handlers) unlock(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().UnlockAccount(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unlocked"})
}

func (h *handlers) setStatus(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, ok := h.adminInput(w, r)
		if !ok {
			return
		}
		if err := h.engine().SetAccountStatus(r.Context(), id, active); err != nil {
			h.fail(w, r, err)
			return
		}
		if !active {
			h.destroySessions(r, id)
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": active})
	}
}

func (h *handlers) disableTOTP(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	if err := h.engine().DisableTOTP(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totp_enabled": false})
}

func (h *handlers) listDevices(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", ""))
		return
	}
	devices, err := h.engine().ListDevices(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": newDeviceViews(devices)})
}

func (h *handlers) approveDevice(w http.ResponseWriter, r *http.Request) {
	id, _, ok := h.adminInput(w, r)
	if !ok {
		return
	}
	deviceID, err := pathID(r, "device")
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", ""))
		return
	}
	if err := h.engine().ApproveDevice(r.Context(), id, deviceID, actor(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approved": true})
}

// destroySessions removes every stored session of the account so the
// change takes effect before the next request reconciles the token.
func (h *handlers) destroySessions(r *http.Request, accountID int64) int {
	n, err := h.app.sessions.DestroyOwner(r.Context(), strconv.FormatInt(accountID, 10))
	if err != nil {
		h.app.logger.Warn("destroy owner sessions failed", zap.Int64("account_id", accountID), zap.Error(err))
	}
	return n
}

// ----- plumbing -----

// input reads the body and checks the anti-forgery token.
func (h *handlers) input(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	in, err := readInput(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("bad_request", err.Error()))
		return nil, false
	}
	token := r.Header.Get(csrfHeader)
	if token == "" {
		token = in.Get(csrfField)
	}
	if !h.engine().VerifyCSRF(state(r).Session, token) {
		writeJSON(w, http.StatusForbidden, errorBody("csrf_mismatch", "The page expired. Reload and try again."))
		return nil, false
	}
	return in, true
}

func (h *handlers) adminInput(w http.ResponseWriter, r *http.Request) (int64, url.Values, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", ""))
		return 0, nil, false
	}
	in, ok := h.input(w, r)
	return id, in, ok
}

// fail maps engine errors to responses. Refusals carrying a user message
// keep it; storage errors are logged and hidden.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var fe *gatekeeper.FeedbackError
	switch {
	case errors.As(err, &fe):
		writeJSON(w, statusFor(fe.Reason), errorBody("rejected", fe.Message))
	case errors.Is(err, gatekeeper.ErrAccountNotFound),
		errors.Is(err, gatekeeper.ErrDeviceNotFound),
		errors.Is(err, gatekeeper.ErrAccessRequestNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", ""))
	case errors.Is(err, gatekeeper.ErrAccessRequestDecided),
		errors.Is(err, gatekeeper.ErrAccountNotPending):
		writeJSON(w, http.StatusConflict, errorBody("conflict", err.Error()))
	case errors.Is(err, gatekeeper.ErrAdminProtected):
		writeJSON(w, http.StatusForbidden, errorBody("forbidden", err.Error()))
	case errors.Is(err, gatekeeper.ErrTOTPSetupMissing), errors.Is(err, gatekeeper.ErrTOTPInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("rejected", err.Error()))
	default:
		h.app.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal", ""))
	}
}

func statusFor(reason error) int {
	switch {
	case errors.Is(reason, gatekeeper.ErrAccountExists), errors.Is(reason, gatekeeper.ErrRegistrationPending):
		return http.StatusConflict
	case errors.Is(reason, gatekeeper.ErrAdminProtected):
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func actor(r *http.Request) string {
	if u := state(r).User; u != nil {
		if u.Email != "" {
			return u.Email
		}
		if u.Name != "" {
			return u.Name
		}
	}
	return "admin"
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// readInput accepts a JSON object or a form body. JSON arrays become
// repeated values.
func readInput(w http.ResponseWriter, r *http.Request) (url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct != "application/json" {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return r.PostForm, nil
	}

	var raw map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("malformed JSON body")
	}
	out := url.Values{}
	for k, v := range raw {
		switch val := v.(type) {
		case []any:
			out[k] = []string{}
			for _, item := range val {
				if s, ok := scalar(item); ok {
					out.Add(k, s)
				}
			}
		default:
			if s, ok := scalar(val); ok {
				out.Set(k, s)
			}
		}
	}
	return out, nil
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

func errorBody(code, message string) map[string]any {
	body := map[string]any{"error": code}
	if message != "" {
		body["message"] = message
	}
	return body
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
