package certificate

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalidCertificate wraps every Parse failure.
var ErrInvalidCertificate = errors.New("invalid certificate")

// Details holds the identity attributes extracted from one certificate.
type Details struct {
	Fingerprint  string
	Subject      string
	CommonName   string
	SerialNumber string
	TaxID        string
	ValidFrom    int64
	ValidTo      int64
	PEM          string
}

// ValidAt reports whether t falls inside the certificate validity window.
func (d *Details) ValidAt(t time.Time) bool {
	if d == nil {
		return false
	}
	now := t.Unix()
	if d.ValidFrom > 0 && now < d.ValidFrom {
		return false
	}
	if d.ValidTo > 0 && now > d.ValidTo {
		return false
	}
	return true
}

// Parse decodes PEM text (or URL-escaped PEM, or bare base64 DER) into Details.
func Parse(pemText string) (*Details, error) {
	pemText = strings.TrimSpace(pemText)
	if pemText == "" {
		return nil, fmt.Errorf("%w: certificate not provided", ErrInvalidCertificate)
	}

	der, normalized, err := decodeDER(pemText)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read the presented certificate", ErrInvalidCertificate)
	}

	sum := sha256.Sum256(cert.Raw)

	return &Details{
		Fingerprint:  strings.ToUpper(hex.EncodeToString(sum[:])),
		Subject:      cert.Subject.String(),
		CommonName:   cert.Subject.CommonName,
		SerialNumber: cert.SerialNumber.String(),
		TaxID:        extractTaxID(cert),
		ValidFrom:    cert.NotBefore.Unix(),
		ValidTo:      cert.NotAfter.Unix(),
		PEM:          normalized,
	}, nil
}

func decodeDER(text string) ([]byte, string, error) {
	if strings.Contains(text, "%") {
		if unescaped, err := url.QueryUnescape(text); err == nil {
			text = strings.TrimSpace(unescaped)
		}
	}

	if block, _ := pem.Decode([]byte(text)); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, "", fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidCertificate, block.Type)
		}
		return block.Bytes, text, nil
	}

	compact := strings.Join(strings.Fields(text), "")
	der, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, "", fmt.Errorf("%w: unable to read the presented certificate", ErrInvalidCertificate)
	}

	normalized := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return der, normalized, nil
}
