package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/geo"
	"github.com/MrEthical07/gatekeeper/internal/rate"
	"github.com/MrEthical07/gatekeeper/metrics/export/prometheus"
	"github.com/MrEthical07/gatekeeper/middleware"
	"github.com/MrEthical07/gatekeeper/session"
	"github.com/MrEthical07/gatekeeper/store/sqlite"
	"github.com/natefinch/lumberjack"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	actionCertificate = gatekeeper.Action{Subject: "auth", Verb: "certificate"}
	actionMetrics     = gatekeeper.Action{Subject: "metrics", Verb: "scrape"}
)

// app is the wired daemon: storage, sessions, engine and the guarded mux.
type app struct {
	cfg      Config
	logger   *zap.Logger
	db       *sqlite.DB
	sessions *session.Store
	engine   *gatekeeper.Engine
	guard    *middleware.Guard
	actions  *middleware.ActionMap
	exporter *prometheus.PrometheusExporter
	// otel is nil unless metrics.otel.enabled.
	otel *otelMetrics
	// throttle is nil when disabled.
	throttle *rate.Limiter

	closers []io.Closer
}

// newApp wires every component. rdb is owned by the caller.
func newApp(ctx context.Context, cfg Config, logger *zap.Logger, rdb redis.UniversalClient) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := sqlite.Open(ctx, cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db)

	if err := rdb.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("%w: %v", session.ErrRedisUnavailable, err)
	}
	a.sessions = session.NewStore(rdb, session.Options{
		Prefix:   cfg.Session.Prefix,
		IdleTTL:  cfg.Session.IdleTTL,
		Jitter:   cfg.Session.Jitter,
		OwnerKey: gatekeeper.SessionOwnerKey,
	})
	if cfg.Throttle.Enabled {
		a.throttle = rate.New(rdb, rate.Config{
			Prefix:      cfg.Session.Prefix + ":rl",
			MaxAttempts: cfg.Throttle.MaxAttempts,
			Window:      cfg.Throttle.Window,
			PerIP:       cfg.Throttle.PerIP,
		})
	}

	b := gatekeeper.New().
		WithConfig(cfg.Engine).
		WithAccountStore(db.Accounts()).
		WithDeviceStore(db.Devices()).
		WithAccessRequestStore(db.AccessRequests()).
		WithSettingsStore(db).
		WithRoutePolicy(routePolicy()).
		WithAuditSink(a.auditSink()).
		WithLogger(logger)
	if cfg.Geo.Enabled {
		b = b.WithGeoLocator(geo.New(cfg.Geo.Config, logger))
	}
	if cfg.Metrics.Path != "" || cfg.Metrics.OTel.Enabled {
		b = b.WithMetricsEnabled(true).WithLatencyHistograms(true)
	}
	engine, err := b.Build()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine
	a.exporter = prometheus.NewPrometheusExporter(engine)
	if cfg.Metrics.OTel.Enabled {
		a.otel, err = newOTelMetrics(engine)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("otel metrics: %w", err)
		}
		a.closers = append(a.closers, a.otel)
	}

	a.actions = actionMap(cfg)
	a.guard, err = middleware.NewGuard(middleware.Options{
		Engine:        engine,
		Sessions:      a.sessions,
		Actions:       a.actions,
		Transport:     cfg.Engine.Transport,
		SessionCookie: cfg.Session.Cookie,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) auditSink() gatekeeper.AuditSink {
	if a.cfg.Audit.File == "" {
		return gatekeeper.NewZapSink(a.logger)
	}
	rot := a.cfg.Audit.Rotation
	w := &lumberjack.Logger{
		Filename:   a.cfg.Audit.File,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	a.closers = append(a.closers, w)
	return gatekeeper.NewJSONWriterSink(w)
}

// Handler returns the guarded router.
func (a *app) Handler() http.Handler {
	return a.guard.Middleware(a.routes())
}

// Close stops the engine, then releases storage in reverse order.
func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// routePolicy extends the default table with the daemon's own endpoints.
func routePolicy() gatekeeper.RoutePolicy {
	p := gatekeeper.DefaultRoutePolicy()
	p.Public[actionCertificate] = true
	p.Automation[actionMetrics] = true
	p.AdminSubjects[actionMetrics.Subject] = true
	return p
}
