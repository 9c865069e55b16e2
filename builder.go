package gatekeeper

import (
	"errors"
	"os"
	"strings"
	"time"

	internalaudit "github.com/MrEthical07/gatekeeper/internal/audit"
	"github.com/MrEthical07/gatekeeper/password"
	"github.com/MrEthical07/gatekeeper/permission"
	"go.uber.org/zap"
)

// Builder assembles an Engine. Configure it once, call Build once.
type Builder struct {
	config Config

	accounts AccountStore
	devices  DeviceStore
	requests AccessRequestStore
	settings SettingsStore
	geo      GeoLocator

	catalog *permission.Catalog
	routes  *RoutePolicy

	auditSink AuditSink
	logger    *zap.Logger
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithAccountStore sets the account persistence. Required.
func (b *Builder) WithAccountStore(s AccountStore) *Builder {
	b.accounts = s
	return b
}

// WithDeviceStore sets the device-trust persistence. Required.
func (b *Builder) WithDeviceStore(s DeviceStore) *Builder {
	b.devices = s
	return b
}

// WithAccessRequestStore sets the certificate enrollment queue. Required.
func (b *Builder) WithAccessRequestStore(s AccessRequestStore) *Builder {
	b.requests = s
	return b
}

// WithSettingsStore sets the source of global security settings. Without
// one, accounts without their own access window or device requirement are
// unrestricted.
func (b *Builder) WithSettingsStore(s SettingsStore) *Builder {
	b.settings = s
	return b
}

// WithGeoLocator sets the IP labeller used for session metadata.
func (b *Builder) WithGeoLocator(g GeoLocator) *Builder {
	b.geo = g
	return b
}

// WithCatalog overrides the default back-office permission catalog.
func (b *Builder) WithCatalog(c *permission.Catalog) *Builder {
	b.catalog = c
	return b
}

// WithRoutePolicy overrides DefaultRoutePolicy.
func (b *Builder) WithRoutePolicy(p RoutePolicy) *Builder {
	cp := p.clone()
	b.routes = &cp
	return b
}

// WithAuditSink sets the sink fed by the audit dispatcher. It also enables
// auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	if sink != nil {
		b.config.Audit.Enabled = true
	}
	return b
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock replaces time.Now. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the Authorize latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.accounts == nil {
		return nil, errors.New("account store required")
	}
	if b.devices == nil {
		return nil, errors.New("device store required")
	}
	if b.requests == nil {
		return nil, errors.New("access request store required")
	}

	// -------- PERMISSIONS --------
	catalog := b.catalog
	if catalog == nil {
		catalog = permission.DefaultCatalog()
	}
	if cfg.Permission.DefaultProfile != "" {
		if _, ok := catalog.Profile(cfg.Permission.DefaultProfile); !ok {
			return nil, errors.New("permission default profile does not exist in catalog")
		}
		catalog = catalog.WithDefaultProfile(cfg.Permission.DefaultProfile)
	}

	routes := DefaultRoutePolicy()
	if b.routes != nil {
		routes = b.routes.clone()
	}
	if err := routes.validate(catalog); err != nil {
		return nil, err
	}

	// -------- PASSWORD HASHING --------
	hasher, err := password.NewArgon2(cfg.Password.hasherConfig())
	if err != nil {
		return nil, err
	}

	location, err := loadLocation(cfg.Session.Timezone)
	if err != nil {
		return nil, err
	}

	now := b.clock
	if now == nil {
		now = time.Now
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:   cfg,
		location: location,
		accounts: b.accounts,
		devices:  b.devices,
		requests: b.requests,
		settings: b.settings,
		geo:      b.geo,
		catalog:  catalog,
		routes:   routes,
		hasher:   hasher,
		totp:     newTOTPManager(cfg.TOTP, now),
		metrics:  NewMetrics(cfg.Metrics),
		logger:   logger.Named("gatekeeper"),
		now:      now,
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	// -------- ADMIN BOOTSTRAP --------
	fingerprints := append([]string(nil), cfg.Certificate.AdminFingerprints...)
	if cfg.Certificate.ReadEnvFingerprints {
		fingerprints = append(fingerprints, os.Getenv("ADMIN_CERT_FINGERPRINT"))
		fingerprints = append(fingerprints, strings.Split(os.Getenv("ADMIN_CERT_FINGERPRINTS"), ",")...)
	}
	engine.bootstrapFingerprints = make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		fp = normalizeFingerprint(fp)
		if fp != "" {
			engine.bootstrapFingerprints[fp] = struct{}{}
		}
	}

	b.built = true

	return engine, nil
}

// normalizeFingerprint upper-cases a hex fingerprint and drops colon separators.
func normalizeFingerprint(fp string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}
