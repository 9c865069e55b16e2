package certificate

import (
	"crypto/x509"
	"encoding/asn1"
	"net"
	"strings"
)

// TaxIDLength is the number of digits kept from the first qualifying candidate.
const TaxIDLength = 11

var (
	// OIDTaxID is the ICP-Brasil extension carrying the holder tax-id.
	OIDTaxID = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 1}

	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
)

type taxIDSource func(cert *x509.Certificate) string

// The order decides which identity ambiguous certificates are attributed to.
var taxIDSources = []taxIDSource{
	func(cert *x509.Certificate) string { return cert.Subject.SerialNumber },
	func(cert *x509.Certificate) string { return cert.Subject.CommonName },
	taxIDExtension,
	subjectAltNames,
}

func extractTaxID(cert *x509.Certificate) string {
	for _, source := range taxIDSources {
		digits := digitsOnly(source(cert))
		if len(digits) >= TaxIDLength {
			return digits[:TaxIDLength]
		}
	}
	return ""
}

func taxIDExtension(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDTaxID) {
			return decodeASN1String(ext.Value)
		}
	}
	return ""
}

func subjectAltNames(cert *x509.Certificate) string {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return ""
	}

	var seq asn1.RawValue
	if rest, err := asn1.Unmarshal(raw, &seq); err != nil || len(rest) > 0 || !seq.IsCompound {
		return ""
	}

	var parts []string
	body := seq.Bytes
	for len(body) > 0 {
		var name asn1.RawValue
		rest, err := asn1.Unmarshal(body, &name)
		if err != nil {
			break
		}
		body = rest

		switch name.Tag {
		case 0:
			parts = append(parts, otherNameValue(name.Bytes))
		case 1, 2, 6:
			parts = append(parts, string(name.Bytes))
		case 7:
			parts = append(parts, net.IP(name.Bytes).String())
		}
	}

	return strings.Join(parts, ", ")
}

// otherNameValue reads `type-id OID, [0] EXPLICIT value` and returns the value as text.
func otherNameValue(body []byte) string {
	var oid asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(body, &oid)
	if err != nil {
		return ""
	}
	var wrapped asn1.RawValue
	if _, err := asn1.Unmarshal(rest, &wrapped); err != nil {
		return ""
	}
	return decodeASN1String(wrapped.Bytes)
}

func decodeASN1String(raw []byte) string {
	var value asn1.RawValue
	if _, err := asn1.Unmarshal(raw, &value); err == nil && !value.IsCompound {
		return string(value.Bytes)
	}
	return string(raw)
}

func digitsOnly(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for i := 0; i < len(value); i++ {
		if value[i] >= '0' && value[i] <= '9' {
			b.WriteByte(value[i])
		}
	}
	return b.String()
}
