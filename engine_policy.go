package gatekeeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Global security settings consulted when the account has no own policy.
const (
	SettingAccessStartMinutes = "security.access_start_minutes"
	SettingAccessEndMinutes   = "security.access_end_minutes"
	SettingRequireKnownDevice = "security.require_known_device"
)

const (
	minutesPerDay    = 1440
	deviceIDRawBytes = 16
)

const (
	msgDeviceUnidentified  = "The device could not be identified. Access was blocked."
	msgDeviceUnregistered  = "The device could not be registered. Try again later."
	msgDeviceNotAuthorized = "This device is not authorized yet. Ask the administrator to approve it."
	msgDeviceAwaiting      = "This device is awaiting administrator approval. Access is blocked until it is approved."
	msgPasswordExpired     = "Your password has expired. Update it to keep using the platform modules."
)

var deviceIDPattern = regexp.MustCompile(`^[a-f0-9]{16,64}$`)

// loginContext is the request snapshot used by policy checks and kept in the
// caller session between the password step and the TOTP step.
type loginContext struct {
	IP          string `json:"ip,omitempty"`
	Location    string `json:"location,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func (lc *loginContext) sighting(at int64) DeviceSighting {
	return DeviceSighting{
		UserAgent: lc.UserAgent,
		IP:        lc.IP,
		Location:  lc.Location,
		At:        at,
	}
}

// securityDefaults are the global fallbacks read from the SettingsStore.
type securityDefaults struct {
	start         *int
	end           *int
	requireDevice bool
}

func (e *Engine) buildLoginContext(ctx context.Context, req *Request) *loginContext {
	if req == nil {
		return nil
	}

	lc := &loginContext{
		IP:        strings.TrimSpace(req.ClientIP),
		UserAgent: strings.TrimSpace(req.UserAgent()),
	}
	lc.Location = e.lookupLocation(ctx, lc.IP)

	if id := sanitizeDeviceID(req.Cookie(e.config.Device.CookieName)); id != "" {
		lc.DeviceID = id
		lc.Fingerprint = deviceFingerprint(id)
	}
	return lc
}

// lookupLocation labels ip. Any failure means an unknown location.
func (e *Engine) lookupLocation(ctx context.Context, ip string) string {
	if e.geo == nil || ip == "" {
		return ""
	}
	res, err := e.geo.Lookup(ctx, ip)
	if err != nil {
		e.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(res.Label)
}

func (e *Engine) stashLoginContext(sc SessionContext, lc *loginContext) {
	if lc == nil {
		sc.Unset(sessionKeyPendingContext)
		return
	}
	if err := setSessionJSON(sc, sessionKeyPendingContext, lc); err != nil {
		sc.Unset(sessionKeyPendingContext)
	}
}

func (e *Engine) consumeLoginContext(sc SessionContext) *loginContext {
	var lc loginContext
	ok := sessionJSON(sc, sessionKeyPendingContext, &lc)
	sc.Unset(sessionKeyPendingContext)
	if !ok {
		return nil
	}
	if lc.DeviceID != "" && lc.Fingerprint == "" {
		lc.Fingerprint = deviceFingerprint(lc.DeviceID)
	}
	return &lc
}

func (e *Engine) securityDefaults(ctx context.Context) (securityDefaults, error) {
	var out securityDefaults
	if e.settings == nil {
		return out, nil
	}

	read := func(key string) (string, error) {
		v, ok, err := e.settings.Setting(ctx, key)
		if err != nil {
			return "", fmt.Errorf("read setting %s: %w", key, err)
		}
		if !ok {
			return "", nil
		}
		return v, nil
	}

	start, err := read(SettingAccessStartMinutes)
	if err != nil {
		return out, err
	}
	end, err := read(SettingAccessEndMinutes)
	if err != nil {
		return out, err
	}
	device, err := read(SettingRequireKnownDevice)
	if err != nil {
		return out, err
	}

	out.start = ParseMinutes(start)
	out.end = ParseMinutes(end)
	out.requireDevice = parseBool(device)
	return out, nil
}

// policyDenial is a refused access policy: the user-facing message and the
// ErrPolicyViolation sentinel behind it.
type policyDenial struct {
	message string
	reason  error
}

// enforceAccessPolicies runs the access window check and then device trust.
// A nil denial means access is allowed.
func (e *Engine) enforceAccessPolicies(ctx context.Context, a *Account, lc *loginContext, req *Request) (*policyDenial, error) {
	defaults, err := e.securityDefaults(ctx)
	if err != nil {
		return nil, err
	}

	if msg := e.accessWindowMessage(a, defaults); msg != "" {
		return &policyDenial{message: msg, reason: ErrAccessWindowClosed}, nil
	}

	msg, err := e.checkDeviceTrust(ctx, a, lc, req, defaults.requireDevice || a.RequireKnownDevice)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &policyDenial{message: msg, reason: ErrDeviceNotTrusted}, nil
	}
	return nil, nil
}

// accessWindowMessage returns "" when the current minute of the day is inside
// the account window (or the global one when the account has none).
func (e *Engine) accessWindowMessage(a *Account, defaults securityDefaults) string {
	start := clampMinutesPtr(a.AccessStartMinutes)
	end := clampMinutesPtr(a.AccessEndMinutes)
	if start == nil && end == nil {
		start, end = defaults.start, defaults.end
		if start == nil && end == nil {
			return ""
		}
	}

	if WithinWindow(e.minuteOfDay(), start, end) {
		return ""
	}

	switch {
	case start == nil:
		return fmt.Sprintf("Access allowed until %s. Come back at that time.", FormatMinutes(*end))
	case end == nil:
		return fmt.Sprintf("Access allowed from %s. Come back at that time.", FormatMinutes(*start))
	default:
		return fmt.Sprintf("Access allowed only between %s and %s.", FormatMinutes(*start), FormatMinutes(*end))
	}
}

func (e *Engine) minuteOfDay() int {
	t := e.now().In(e.location)
	return t.Hour()*60 + t.Minute()
}

// WithinWindow reports whether minute lies in [start, end]. A nil bound is
// open on that side; start > end wraps past midnight.
func WithinWindow(minute int, start, end *int) bool {
	switch {
	case start == nil && end == nil:
		return true
	case start == nil:
		return minute <= *end
	case end == nil:
		return minute >= *start
	case *start <= *end:
		return minute >= *start && minute <= *end
	default:
		return minute >= *start || minute <= *end
	}
}

// ParseMinutes reads a minute-of-day setting: a number of minutes or HH:MM.
// Values are clamped to 0..1439; anything else is unset.
func ParseMinutes(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	if h, m, ok := strings.Cut(raw, ":"); ok {
		if len(h) < 1 || len(h) > 2 || len(m) != 2 || !isNumericString(h) || !isNumericString(m) {
			return nil
		}
		hours, _ := strconv.Atoi(h)
		minutes, _ := strconv.Atoi(m)
		v := clampMinutes(hours*60 + minutes)
		return &v
	}

	if !isNumericString(raw) {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		n = minutesPerDay - 1
	}
	v := clampMinutes(n)
	return &v
}

// FormatMinutes renders a minute of the day as HH:MM.
func FormatMinutes(m int) string {
	m = clampMinutes(m)
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

func clampMinutes(m int) int {
	if m < 0 {
		return 0
	}
	if m > minutesPerDay-1 {
		return minutesPerDay - 1
	}
	return m
}

func clampMinutesPtr(m *int) *int {
	if m == nil {
		return nil
	}
	v := clampMinutes(*m)
	return &v
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// checkDeviceTrust records the device of lc and decides whether it may sign
// in. Without a requirement every device is approved on first sight.
func (e *Engine) checkDeviceTrust(ctx context.Context, a *Account, lc *loginContext, req *Request, required bool) (string, error) {
	if lc == nil {
		if required {
			return msgDeviceUnidentified, nil
		}
		return "", nil
	}

	if lc.DeviceID == "" {
		id, err := generateDeviceID()
		if err != nil {
			return "", err
		}
		lc.DeviceID = id
		lc.Fingerprint = deviceFingerprint(id)
		e.persistDeviceCookie(req, id)
	}

	if lc.Fingerprint == "" {
		if required {
			return msgDeviceUnregistered, nil
		}
		return "", nil
	}

	now := e.unixNow()
	device, err := e.devices.FindByFingerprint(ctx, a.ID, lc.Fingerprint)
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return "", fmt.Errorf("find device: %w", err)
	}
	if errors.Is(err, ErrDeviceNotFound) {
		device = nil
	}

	if required {
		switch {
		case device == nil:
			if _, err := e.devices.RecordPending(ctx, a.ID, lc.Fingerprint, lc.sighting(now)); err != nil {
				return "", fmt.Errorf("record pending device: %w", err)
			}
			e.metricInc(MetricDevicePending)
			e.emitAudit(ctx, auditEventDevicePending, false, a.ID, lc.IP, ErrDeviceNotTrusted, func() map[string]string {
				return map[string]string{"fingerprint": lc.Fingerprint}
			})
			return msgDeviceNotAuthorized, nil
		case !device.IsApproved():
			if err := e.devices.MarkSeen(ctx, device.ID, lc.sighting(now)); err != nil {
				return "", fmt.Errorf("mark device seen: %w", err)
			}
			return msgDeviceAwaiting, nil
		default:
			if err := e.devices.MarkSeen(ctx, device.ID, lc.sighting(now)); err != nil {
				return "", fmt.Errorf("mark device seen: %w", err)
			}
			return "", nil
		}
	}

	if err := e.trustDevice(ctx, a.ID, device, lc, now); err != nil {
		return "", err
	}
	return "", nil
}

// trustDevice approves an unknown or pending device automatically and
// touches an approved one.
func (e *Engine) trustDevice(ctx context.Context, accountID int64, device *Device, lc *loginContext, now int64) error {
	if device.IsApproved() {
		if err := e.devices.MarkSeen(ctx, device.ID, lc.sighting(now)); err != nil {
			return fmt.Errorf("mark device seen: %w", err)
		}
		return nil
	}
	if _, err := e.devices.RecordApproved(ctx, accountID, lc.Fingerprint, lc.sighting(now), e.config.Device.AutoApprover); err != nil {
		return fmt.Errorf("record approved device: %w", err)
	}
	e.metricInc(MetricDeviceApproved)
	return nil
}

// persistDeviceCookie queues the device cookie unless the request already
// carries the same identifier.
func (e *Engine) persistDeviceCookie(req *Request, deviceID string) {
	if req == nil {
		return
	}
	deviceID = strings.ToLower(deviceID)
	if sanitizeDeviceID(req.Cookie(e.config.Device.CookieName)) == deviceID {
		return
	}
	lifetime := e.config.Device.CookieLifetime
	req.SetCookie(&http.Cookie{
		Name:     e.config.Device.CookieName,
		Value:    deviceID,
		Path:     e.config.Device.CookiePath,
		Expires:  e.now().Add(lifetime),
		MaxAge:   int(lifetime / time.Second),
		Secure:   req.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func sanitizeDeviceID(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	if !deviceIDPattern.MatchString(v) {
		return ""
	}
	return v
}

func generateDeviceID() (string, error) {
	return randomHex(deviceIDRawBytes)
}

func deviceFingerprint(deviceID string) string {
	return "device:" + strings.ToLower(deviceID)
}

// registrationFingerprint is the placeholder certificate fingerprint of
// password-only accounts.
func registrationFingerprint(email string) string {
	sum := sha256.Sum256([]byte(email))
	return "login:" + hex.EncodeToString(sum[:])
}

// passwordExpired reports whether a password last set at updatedAt (unix
// seconds, 0 for never) is past its maximum age.
func (e *Engine) passwordExpired(updatedAt int64) bool {
	if updatedAt <= 0 {
		return true
	}
	return e.now().Sub(time.Unix(updatedAt, 0)) >= e.config.Password.MaxAge
}

// evaluatePasswordExpiry refreshes the caller's password-change flag and
// queues the expiry warning once.
func (e *Engine) evaluatePasswordExpiry(sc SessionContext, updatedAt int64, warn bool) bool {
	expired := e.passwordExpired(updatedAt)
	setSessionInt64(sc, sessionKeyPasswordUpdatedAt, updatedAt)
	setSessionBool(sc, sessionKeyPasswordExpired, expired)
	if expired && warn {
		if _, ok := sc.Get(sessionKeyPasswordFeedback); !ok {
			sc.Set(sessionKeyPasswordFeedback, msgPasswordExpired)
		}
	}
	return expired
}
