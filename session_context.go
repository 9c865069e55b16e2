package gatekeeper

import (
	"encoding/json"
	"strconv"
)

// SessionContext is the caller-held key/value bag (the per-browser session).
// Every Session Service and Access Guard call receives it explicitly.
//
// Regenerate must give the bag a fresh identifier while keeping its values;
// it is called on login and logout to defeat session fixation.
type SessionContext interface {
	ID() string
	Get(key string) (string, bool)
	Set(key, value string)
	Unset(keys ...string)
	Regenerate() error
}

// Keys stored in the SessionContext.
const (
	sessionKeyUserID              = "auth_user_id"
	sessionKeyToken               = "auth_session_token"
	sessionKeyPendingTOTPUser     = "auth_totp_user_id"
	sessionKeyPendingContext      = "auth_pending_login_context"
	sessionKeyTOTPSetup           = "auth_totp_setup"
	sessionKeyLastSeenTouch       = "auth_last_seen_touch"
	sessionKeyLastActivity        = "auth_last_activity"
	sessionKeyPasswordExpired     = "auth_password_requires_change"
	sessionKeyPasswordUpdatedAt   = "auth_password_last_updated"
	sessionKeyPasswordFeedback    = "profile_password_feedback"
	sessionKeyNotice              = "auth_notice"
	sessionKeyIntended            = "auth_intended"
	sessionKeyCSRF                = "_csrf_token"
	sessionKeyLoginSourceIP       = "auth_login_ip"
	sessionKeyLoginSourceLocation = "auth_login_location"
)

// SessionOwnerKey is the SessionContext key holding the signed-in account id
// in decimal. Session stores may index bags by it.
const SessionOwnerKey = sessionKeyUserID

var authSessionKeys = []string{
	sessionKeyUserID,
	sessionKeyToken,
	sessionKeyPendingTOTPUser,
	sessionKeyPendingContext,
	sessionKeyTOTPSetup,
	sessionKeyLastSeenTouch,
	sessionKeyLastActivity,
	sessionKeyPasswordExpired,
	sessionKeyPasswordUpdatedAt,
	sessionKeyIntended,
	sessionKeyLoginSourceIP,
	sessionKeyLoginSourceLocation,
}

func sessionInt64(sc SessionContext, key string) (int64, bool) {
	raw, ok := sc.Get(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func setSessionInt64(sc SessionContext, key string, v int64) {
	sc.Set(key, strconv.FormatInt(v, 10))
}

func sessionBool(sc SessionContext, key string) bool {
	raw, ok := sc.Get(key)
	return ok && raw == "1"
}

func setSessionBool(sc SessionContext, key string, v bool) {
	if v {
		sc.Set(key, "1")
		return
	}
	sc.Set(key, "0")
}

func sessionJSON(sc SessionContext, key string, out any) bool {
	raw, ok := sc.Get(key)
	if !ok || raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

func setSessionJSON(sc SessionContext, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sc.Set(key, string(data))
	return nil
}
