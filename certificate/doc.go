// Package certificate decodes client X.509 certificates presented by a
// mutual-TLS terminator into the identity attributes used for
// certificate-based sign-in: fingerprint, subject, tax-id and validity.
//
// Parse never verifies the chain; trust is established by the terminator
// and by the account/approval state bound to the fingerprint.
package certificate
