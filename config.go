package gatekeeper

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/MrEthical07/gatekeeper/password"
	"github.com/MrEthical07/gatekeeper/permission"
)

// Config holds every engine setting. Build a default with DefaultConfig and
// override fields; Builder.Build validates it.
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Lockout     LockoutConfig     `yaml:"lockout"`
	Password    PasswordConfig    `yaml:"password"`
	TOTP        TOTPConfig        `yaml:"totp"`
	Device      DeviceConfig      `yaml:"device"`
	Certificate CertificateConfig `yaml:"certificate"`
	Automation  AutomationConfig  `yaml:"automation"`
	Transport   TransportConfig   `yaml:"transport"`
	Permission  PermissionConfig  `yaml:"permission"`
	Audit       AuditConfig       `yaml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls token issuance and the lifetime of authenticated sessions.
type SessionConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	LastSeenThrottle  time.Duration `yaml:"last_seen_throttle"`
	TokenBytes        int           `yaml:"token_bytes"`
	// Timezone is the IANA zone used to compute minutes-of-day for access windows.
	Timezone string `yaml:"timezone"`
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls account lockout after consecutive failed passwords.
type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the argon2id cost parameters and the password max age.
type PasswordConfig struct {
	Memory           uint32        `yaml:"memory_kb"`
	Time             uint32        `yaml:"time"`
	Parallelism      uint8         `yaml:"parallelism"`
	SaltLength       uint32        `yaml:"salt_length"`
	KeyLength        uint32        `yaml:"key_length"`
	MaxPasswordBytes int           `yaml:"max_password_bytes"`
	MaxAge           time.Duration `yaml:"max_age"`
	UpgradeOnLogin   bool          `yaml:"upgrade_on_login"`
}

func (c PasswordConfig) hasherConfig() password.Config {
	return password.Config{
		Memory:           c.Memory,
		Time:             c.Time,
		Parallelism:      c.Parallelism,
		SaltLength:       c.SaltLength,
		KeyLength:        c.KeyLength,
		MaxPasswordBytes: c.MaxPasswordBytes,
	}
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls second-factor codes.
type TOTPConfig struct {
	Issuer string `yaml:"issuer"`
	Period uint   `yaml:"period"`
	Skew   uint   `yaml:"skew"`
	Digits int    `yaml:"digits"`
}

/*
====================================
DEVICE CONFIG
====================================
*/

// DeviceConfig controls the device-identifier cookie.
type DeviceConfig struct {
	CookieName     string        `yaml:"cookie_name"`
	CookiePath     string        `yaml:"cookie_path"`
	CookieLifetime time.Duration `yaml:"cookie_lifetime"`
	// AutoApprover is recorded as approved_by for devices approved without an administrator.
	AutoApprover string `yaml:"auto_approver"`
}

/*
====================================
CERTIFICATE CONFIG
====================================
*/

// CertificateConfig controls client-certificate sign-in and admin bootstrap.
type CertificateConfig struct {
	// AdminFingerprints are SHA-256 fingerprints (hex, any case) always provisioned as admins.
	AdminFingerprints []string `yaml:"admin_fingerprints"`
	// ReadEnvFingerprints adds ADMIN_CERT_FINGERPRINT and ADMIN_CERT_FINGERPRINTS at Build time.
	ReadEnvFingerprints bool `yaml:"read_env_fingerprints"`
	// BootstrapWhenNoAdmins provisions the first presented certificate as admin while no active admin exists.
	BootstrapWhenNoAdmins bool   `yaml:"bootstrap_when_no_admins"`
	DefaultName           string `yaml:"default_name"`
}

/*
====================================
AUTOMATION CONFIG
====================================
*/

// AutomationConfig holds the shared secret accepted on automation routes.
// An empty Token disables the bypass.
type AutomationConfig struct {
	Token      string `yaml:"token"`
	Header     string `yaml:"header"`
	QueryParam string `yaml:"query_param"`
}

/*
====================================
PERMISSION CONFIG
====================================
*/

// PermissionConfig selects the profile granted to newly approved accounts.
type PermissionConfig struct {
	DefaultProfile string `yaml:"default_profile"`
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			InactivityTimeout: 20 * time.Minute,
			LastSeenThrottle:  120 * time.Second,
			TokenBytes:        32,
			Timezone:          "America/Sao_Paulo",
		},
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  2 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MaxAge:         360 * 24 * time.Hour,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Issuer: "Back Office",
			Period: 30,
			Skew:   1,
			Digits: 6,
		},
		Device: DeviceConfig{
			CookieName:     "ms_device_id",
			CookiePath:     "/",
			CookieLifetime: 365 * 24 * time.Hour,
			AutoApprover:   "system-auto",
		},
		Certificate: CertificateConfig{
			ReadEnvFingerprints:   true,
			BootstrapWhenNoAdmins: true,
			DefaultName:           "Certified administrator",
		},
		Automation: AutomationConfig{
			Header:     "X-Automation-Token",
			QueryParam: "token",
		},
		Transport: TransportConfig{
			ClientCertHeaders: []string{"X-SSL-Client-Cert", "SSL-Client-Cert", "X-Client-Cert"},
		},
		Permission: PermissionConfig{
			DefaultProfile: permission.DefaultProfileName,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Session.InactivityTimeout <= 0 {
		return errors.New("session inactivity timeout must be > 0")
	}
	if c.Session.LastSeenThrottle < 0 {
		return errors.New("session last-seen throttle must be >= 0")
	}
	if c.Session.TokenBytes < 16 {
		return errors.New("session token must be at least 16 bytes")
	}
	if _, err := loadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session timezone: %w", err)
	}

	if c.Lockout.Threshold < 1 {
		return errors.New("lockout threshold must be >= 1")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("lockout duration must be > 0")
	}

	if _, err := password.NewArgon2(c.Password.hasherConfig()); err != nil {
		return fmt.Errorf("password: %w", err)
	}
	if c.Password.MaxAge <= 0 {
		return errors.New("password max age must be > 0")
	}

	if c.TOTP.Period == 0 {
		return errors.New("totp period must be > 0")
	}
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("totp digits must be 6 or 8")
	}
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("totp issuer must not be empty")
	}

	if c.Device.CookieName == "" {
		return errors.New("device cookie name must not be empty")
	}
	if c.Device.CookieLifetime <= 0 {
		return errors.New("device cookie lifetime must be > 0")
	}

	if c.Automation.Token != "" && c.Automation.Header == "" && c.Automation.QueryParam == "" {
		return errors.New("automation token configured without header or query parameter")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("audit buffer size must be > 0")
	}

	return nil
}

func cloneConfig(c Config) Config {
	out := c
	out.Certificate.AdminFingerprints = append([]string(nil), c.Certificate.AdminFingerprints...)
	out.Transport.ClientCertHeaders = append([]string(nil), c.Transport.ClientCertHeaders...)
	return out
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	if strings.EqualFold(name, "Local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
