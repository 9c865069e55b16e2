package gatekeeper

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	internalaudit "github.com/MrEthical07/gatekeeper/internal/audit"
	"github.com/MrEthical07/gatekeeper/password"
	"github.com/MrEthical07/gatekeeper/permission"
	"go.uber.org/zap"
)

// Engine is the authentication core: Session Service, Certificate
// Authenticator and Access Guard over the configured stores. Build it with
// New().With...().Build(). All methods are safe for concurrent use; the
// per-caller state lives in the SessionContext handed to each call.
type Engine struct {
	config   Config
	location *time.Location

	accounts AccountStore
	devices  DeviceStore
	requests AccessRequestStore
	settings SettingsStore
	geo      GeoLocator

	catalog *permission.Catalog
	routes  RoutePolicy

	hasher  *password.Argon2
	totp    *totpManager
	audit   *internalaudit.Dispatcher
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	bootstrapFingerprints map[string]struct{}
	adminGate             adminBootstrapGate
}

// adminBootstrapGate memoizes the "no active admin exists" answer for the
// lifetime of the process. Only the first successful count reaches storage;
// failures are not cached. Other processes promoting an admin are not
// observed.
type adminBootstrapGate struct {
	mu      sync.Mutex
	checked bool
	noAdmin bool
}

func (g *adminBootstrapGate) noActiveAdmins(ctx context.Context, count func(context.Context) (int, error)) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.checked {
		return g.noAdmin, nil
	}
	n, err := count(ctx)
	if err != nil {
		return false, err
	}
	g.checked = true
	g.noAdmin = n == 0
	return g.noAdmin, nil
}

// adminProvisioned records a local bootstrap so this process stops offering
// the one-time window.
func (g *adminBootstrapGate) adminProvisioned() {
	g.mu.Lock()
	g.checked = true
	g.noAdmin = false
	g.mu.Unlock()
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Catalog returns the permission catalog the engine sanitizes with.
func (e *Engine) Catalog() *permission.Catalog {
	return e.catalog
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) unixNow() int64 {
	return e.now().Unix()
}

func (e *Engine) newSessionToken() (string, error) {
	return randomHex(e.config.Session.TokenBytes)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (e *Engine) toUser(a *Account) *User {
	fingerprint := a.CertificateFingerprint
	if fingerprint == "" {
		fingerprint = "session:" + a.Email
	}
	return &User{
		ID:                 a.ID,
		Name:               a.Name,
		Email:              a.Email,
		Role:               a.Role,
		Fingerprint:        fingerprint,
		TaxID:              a.TaxID,
		Permissions:        e.catalog.Sanitize(a.Permissions),
		SessionIP:          a.SessionIP,
		SessionLocation:    a.SessionLocation,
		SessionUserAgent:   a.SessionUserAgent,
		SessionStartedAt:   a.SessionStartedAt,
		LastSeenAt:         a.LastSeenAt,
		AccessStartMinutes: a.AccessStartMinutes,
		AccessEndMinutes:   a.AccessEndMinutes,
		RequireKnownDevice: a.RequireKnownDevice,
		TOTPEnabled:        a.TOTPEnabled,
	}
}
