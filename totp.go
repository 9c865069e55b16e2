package gatekeeper

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretBytes = 20

var totpSecretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// totpManager wraps the pquerna/otp primitives with the engine's step,
// skew and digit settings. Secrets are unpadded base32.
type totpManager struct {
	config TOTPConfig
	now    func() time.Time
}

func newTOTPManager(cfg TOTPConfig, now func() time.Time) *totpManager {
	if now == nil {
		now = time.Now
	}
	return &totpManager{config: cfg, now: now}
}

func (m *totpManager) digits() otp.Digits {
	if m.config.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// GenerateSecret returns a fresh base32 secret.
func (m *totpManager) GenerateSecret() (string, error) {
	if m == nil {
		return "", ErrEngineNotReady
	}
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return totpSecretEncoding.EncodeToString(raw), nil
}

// ProvisioningURI renders the otpauth:// URI an authenticator app scans.
func (m *totpManager) ProvisioningURI(secret, label, issuer string) (string, error) {
	if m == nil {
		return "", ErrEngineNotReady
	}
	raw, err := totpSecretEncoding.DecodeString(normalizeTOTPSecret(secret))
	if err != nil {
		return "", errors.New("totp secret is not base32")
	}
	if issuer == "" {
		issuer = m.config.Issuer
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: label,
		Period:      m.config.Period,
		Secret:      raw,
		Digits:      m.digits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Verify checks code against secret at the current time. An empty secret or
// a malformed code never verifies.
func (m *totpManager) Verify(secret, code string) bool {
	if m == nil {
		return false
	}
	secret = normalizeTOTPSecret(secret)
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if secret == "" || len(code) != m.digits().Length() || !isNumericString(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    m.config.Period,
		Skew:      m.config.Skew,
		Digits:    m.digits(),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func normalizeTOTPSecret(secret string) string {
	return strings.ToUpper(strings.TrimRight(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""), "="))
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
