package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MrEthical07/gatekeeper"
	"github.com/MrEthical07/gatekeeper/geo"
	"github.com/MrEthical07/gatekeeper/logging"
	"gopkg.in/yaml.v3"
)

// Config mirrors the gatekeeperd.yaml schema.
type Config struct {
	HTTP     HTTPConfig        `yaml:"http"`
	DB       DBConfig          `yaml:"db"`
	Redis    RedisConfig       `yaml:"redis"`
	Session  SessionConfig     `yaml:"session"`
	Log      logging.Config    `yaml:"log"`
	Geo      GeoConfig         `yaml:"geo"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Audit    AuditLogConfig    `yaml:"audit"`
	Throttle ThrottleConfig    `yaml:"throttle"`
	Engine   gatekeeper.Config `yaml:"engine"`
}

// HTTPConfig holds listener settings.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig enables HTTPS with optional client certificates.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	// RequestClientCert asks browsers for a certificate without requiring one.
	RequestClientCert bool `yaml:"request_client_cert"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig points at the session store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig controls the session cookie and its Redis record.
type SessionConfig struct {
	Cookie  string        `yaml:"cookie"`
	Prefix  string        `yaml:"prefix"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
	Jitter  time.Duration `yaml:"jitter"`
}

// GeoConfig wraps the lookup client settings with an on/off switch.
type GeoConfig struct {
	Enabled    bool `yaml:"enabled"`
	geo.Config `yaml:",inline"`
}

// MetricsConfig exposes engine counters.
type MetricsConfig struct {
	Path string     `yaml:"path"`
	OTel OTelConfig `yaml:"otel"`
}

// OTelConfig publishes the same counters through an OpenTelemetry meter.
// Path serves the latest collection as JSON; empty keeps it in-process.
type OTelConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ThrottleConfig caps failed sign-in attempts per email and per client IP
// ahead of the per-account lockout.
type ThrottleConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	PerIP       bool          `yaml:"per_ip"`
}

// AuditLogConfig picks the audit destination. With no file, events go to
// the daemon logger.
type AuditLogConfig struct {
	File     string           `yaml:"file"`
	Rotation logging.Rotation `yaml:"rotation"`
}

func defaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DB:      DBConfig{Path: "./data/gatekeeper.db"},
		Redis:   RedisConfig{Addr: "127.0.0.1:6379"},
		Session: SessionConfig{Cookie: "gk_session", Prefix: "gk:sess", IdleTTL: 2 * time.Hour},
		Log:     logging.Config{Level: "info", Encoding: "json", Console: true},
		Geo:     GeoConfig{Enabled: true, Config: geo.DefaultConfig()},
		Metrics: MetricsConfig{Path: "/metrics", OTel: OTelConfig{Path: "/metrics/otel"}},
		Throttle: ThrottleConfig{
			Enabled:     true,
			MaxAttempts: 20,
			Window:      15 * time.Minute,
			PerIP:       true,
		},
		Engine: gatekeeper.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults. Unknown keys are errors.
func Load(path string) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := decode(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func decode(b []byte, c *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	c.DB.Path = strings.TrimSpace(c.DB.Path)
	c.HTTP.TLS.CertPath = strings.TrimSpace(c.HTTP.TLS.CertPath)
	c.HTTP.TLS.KeyPath = strings.TrimSpace(c.HTTP.TLS.KeyPath)
	return nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.DB.Path == "" {
		return errors.New("db.path is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if (c.HTTP.TLS.CertPath == "") != (c.HTTP.TLS.KeyPath == "") {
		return errors.New("http.tls needs both cert_path and key_path")
	}
	if c.Session.Cookie == "" {
		return errors.New("session.cookie is required")
	}
	if c.Metrics.Path != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if c.Metrics.OTel.Enabled && c.Metrics.OTel.Path != "" {
		if !strings.HasPrefix(c.Metrics.OTel.Path, "/") {
			return errors.New("metrics.otel.path must start with /")
		}
		if c.Metrics.OTel.Path == c.Metrics.Path {
			return errors.New("metrics.otel.path must differ from metrics.path")
		}
	}
	if c.Throttle.Enabled && (c.Throttle.MaxAttempts < 1 || c.Throttle.Window <= 0) {
		return errors.New("throttle needs max_attempts >= 1 and a positive window")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}
